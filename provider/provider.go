// Package provider defines the contract between the furiwake core and the
// upstream-specific adapters that actually speak each vendor's protocol.
// Adapters are stateless with respect to credential bookkeeping: they execute
// requests with material handed to them, estimate costs from their own price
// tables, and classify failures. They never mutate router state.
package provider

import (
	"context"
	"time"

	"github.com/ashita-ai/furiwake/model"
)

// ErrorClass is an adapter's judgment of a failed call, driving the router's
// retry and transition behavior.
type ErrorClass string

const (
	// ClassTransient: network or 5xx class failure; safe to retry on the
	// same credential.
	ClassTransient ErrorClass = "transient"
	// ClassThrottled: upstream rate limit; retry on a different credential
	// after the cooldown.
	ClassThrottled ErrorClass = "throttled"
	// ClassAuth: the credential was rejected; it must not be retried.
	ClassAuth ErrorClass = "auth"
	// ClassQuotaExceeded: the credential is out of upstream quota.
	ClassQuotaExceeded ErrorClass = "quota_exceeded"
	// ClassPermanent: the request itself was rejected; no credential will
	// help.
	ClassPermanent ErrorClass = "permanent"
)

// Classification is the result of classifying an execution error.
type Classification struct {
	Class ErrorClass
	// Cooldown is how long the credential should rest, from a Retry-After
	// style hint. Only meaningful with ClassThrottled; zero means the router
	// default applies.
	Cooldown time.Duration
}

// Adapter executes requests against one upstream provider.
//
// Execute receives the opened credential material for the chosen credential;
// it must not retain the slice past the call, and the deadline arrives on
// ctx. The returned response carries content, token usage, and the actual
// cost when the upstream reports one.
type Adapter interface {
	Execute(ctx context.Context, intent model.RequestIntent, material []byte) (*model.SystemResponse, error)
	EstimateCost(intent model.RequestIntent) (model.CostEstimate, error)
	ClassifyError(err error) Classification
	PriceTableVersion() string
}
