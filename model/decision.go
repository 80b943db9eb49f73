package model

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// ObjectiveScores holds the raw per-objective scores computed for one
// candidate during a decision. Composite is set only under the composite
// objective.
type ObjectiveScores struct {
	Cost        float64
	Reliability float64
	Fairness    float64
	Speed       float64
	Composite   float64
}

// RoutingDecision is the durable record of one credential selection. It is
// persisted before the adapter call it authorizes begins.
type RoutingDecision struct {
	ID string
	// Fingerprint identifies the request shape (provider, model, messages)
	// without reproducing its content.
	Fingerprint  string
	CredentialID string
	// Candidates lists every credential that survived eligibility, in scoring
	// order.
	Candidates []string
	// TieSet lists the candidates whose top score tied before the
	// deterministic break; empty when the winner was strictly best.
	TieSet    []string
	Objective Objective
	Scores    map[string]ObjectiveScores
	// Explanation is a human-readable account of why the winner won. Never
	// empty.
	Explanation string
	At          time.Time
}

// Fingerprint hashes the request shape for decision records. Message content
// feeds the hash but cannot be recovered from it.
func Fingerprint(intent RequestIntent) string {
	h := sha256.New()
	h.Write([]byte(intent.Provider))
	h.Write([]byte{0})
	h.Write([]byte(intent.Model))
	for _, m := range intent.Messages {
		h.Write([]byte{0})
		h.Write([]byte(m.Role))
		h.Write([]byte{0})
		h.Write([]byte(m.Content))
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}
