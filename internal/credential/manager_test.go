package credential_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/furiwake/internal/credential"
	"github.com/ashita-ai/furiwake/internal/events"
	"github.com/ashita-ai/furiwake/internal/vault"
	"github.com/ashita-ai/furiwake/model"
	"github.com/ashita-ai/furiwake/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newManager(t *testing.T) (*credential.Manager, *store.Memory) {
	t.Helper()
	v, err := vault.New([]byte("test-secret"))
	require.NoError(t, err)
	st := store.NewMemory()
	bus := events.New(testLogger(), 64)
	m := credential.New(st, v, bus, testLogger(), func(p string) bool {
		return p == "openai" || p == "anthropic"
	})
	return m, st
}

func register(t *testing.T, m *credential.Manager, id, provider string) model.Credential {
	t.Helper()
	cred, err := m.Register(context.Background(), credential.Spec{
		ID:       id,
		Provider: provider,
		Material: []byte("sk-" + id),
	})
	require.NoError(t, err)
	return cred
}

func TestRegister(t *testing.T) {
	m, st := newManager(t)
	ctx := context.Background()

	cred := register(t, m, "k1", "openai")
	assert.Equal(t, model.StateAvailable, cred.State)
	assert.NotEqual(t, []byte("sk-k1"), cred.Sealed)

	stored, err := st.GetCredential(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, model.StateAvailable, stored.State)

	t.Run("duplicate id rejected", func(t *testing.T) {
		_, err := m.Register(ctx, credential.Spec{ID: "k1", Provider: "openai", Material: []byte("x")})
		assert.Equal(t, model.KindValidation, model.KindOf(err))
	})

	t.Run("empty material rejected", func(t *testing.T) {
		_, err := m.Register(ctx, credential.Spec{Provider: "openai"})
		assert.Equal(t, model.KindValidation, model.KindOf(err))
	})

	t.Run("unknown provider rejected", func(t *testing.T) {
		_, err := m.Register(ctx, credential.Spec{Provider: "nope", Material: []byte("x")})
		assert.Equal(t, model.KindValidation, model.KindOf(err))
	})

	t.Run("generated id when omitted", func(t *testing.T) {
		cred, err := m.Register(ctx, credential.Spec{Provider: "openai", Material: []byte("x")})
		require.NoError(t, err)
		assert.NotEmpty(t, cred.ID)
	})
}

func TestOpenRoundTrip(t *testing.T) {
	m, _ := newManager(t)
	register(t, m, "k1", "openai")

	material, err := m.Open(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, []byte("sk-k1"), material)

	_, err = m.Open(context.Background(), "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestTransitionTable(t *testing.T) {
	ctx := context.Background()

	t.Run("throttle round trip", func(t *testing.T) {
		m, _ := newManager(t)
		register(t, m, "k1", "openai")
		require.NoError(t, m.Transition(ctx, "k1", model.StateThrottled, "rate limited", ""))
		require.NoError(t, m.Transition(ctx, "k1", model.StateAvailable, "cooldown elapsed", ""))
	})

	t.Run("throttled to exhausted rejected", func(t *testing.T) {
		m, _ := newManager(t)
		register(t, m, "k1", "openai")
		require.NoError(t, m.Transition(ctx, "k1", model.StateThrottled, "rate limited", ""))
		err := m.Transition(ctx, "k1", model.StateExhausted, "quota", "")
		assert.ErrorIs(t, err, credential.ErrInvalidTransition)
	})

	t.Run("disabled is terminal", func(t *testing.T) {
		m, _ := newManager(t)
		register(t, m, "k1", "openai")
		require.NoError(t, m.Transition(ctx, "k1", model.StateDisabled, "operator", ""))
		err := m.Transition(ctx, "k1", model.StateAvailable, "oops", "")
		assert.ErrorIs(t, err, credential.ErrInvalidTransition)
	})

	t.Run("invalid is terminal except disable", func(t *testing.T) {
		m, _ := newManager(t)
		register(t, m, "k1", "openai")
		require.NoError(t, m.Transition(ctx, "k1", model.StateInvalid, "auth failure", ""))
		err := m.Transition(ctx, "k1", model.StateAvailable, "oops", "")
		assert.ErrorIs(t, err, credential.ErrInvalidTransition)
		require.NoError(t, m.Transition(ctx, "k1", model.StateDisabled, "operator", ""))
	})

	t.Run("same state is a no-op", func(t *testing.T) {
		m, st := newManager(t)
		register(t, m, "k1", "openai")
		require.NoError(t, m.Transition(ctx, "k1", model.StateAvailable, "noop", ""))

		recs, err := st.Query(ctx, store.Filter{Entity: model.EntityTransition, CredentialID: "k1"})
		require.NoError(t, err)
		assert.Empty(t, recs)
	})

	t.Run("unknown credential", func(t *testing.T) {
		m, _ := newManager(t)
		err := m.Transition(ctx, "ghost", model.StateDisabled, "x", "")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestTransitionRecorded(t *testing.T) {
	m, st := newManager(t)
	ctx := context.Background()
	register(t, m, "k1", "openai")

	require.NoError(t, m.Transition(ctx, "k1", model.StateExhausted, "quota exhausted", "window=hourly"))

	recs, err := st.Query(ctx, store.Filter{Entity: model.EntityTransition, CredentialID: "k1"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	tr := recs[0].Transition
	assert.Equal(t, model.StateAvailable, tr.From)
	assert.Equal(t, model.StateExhausted, tr.To)
	assert.Equal(t, "quota exhausted", tr.Reason)
	assert.Equal(t, "window=hourly", tr.Context)
	assert.NotEmpty(t, tr.ID)
}

// failingStore refuses transition writes so the manager's commit-first
// ordering can be observed: a failed persist must leave the state unchanged.
type failingStore struct {
	store.Store
	failTransitions bool
}

func (f *failingStore) SaveTransition(ctx context.Context, tr model.StateTransition) error {
	if f.failTransitions {
		return errors.New("disk full")
	}
	return f.Store.SaveTransition(ctx, tr)
}

func TestTransitionPersistFailureKeepsState(t *testing.T) {
	ctx := context.Background()
	v, err := vault.New([]byte("test-secret"))
	require.NoError(t, err)
	fs := &failingStore{Store: store.NewMemory()}
	bus := events.New(testLogger(), 64)
	m := credential.New(fs, v, bus, testLogger(), func(string) bool { return true })

	_, err = m.Register(ctx, credential.Spec{ID: "k1", Provider: "openai", Material: []byte("x")})
	require.NoError(t, err)

	fs.failTransitions = true
	err = m.Transition(ctx, "k1", model.StateThrottled, "rate limited", "")
	require.Error(t, err)
	assert.Equal(t, model.KindInternal, model.KindOf(err))

	cred, err := m.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, model.StateAvailable, cred.State)
}

func TestThrottleAndPromotion(t *testing.T) {
	m, st := newManager(t)
	ctx := context.Background()
	register(t, m, "k1", "openai")

	require.NoError(t, m.Throttle(ctx, "k1", time.Minute, "rate limited"))

	cred, err := m.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, model.StateThrottled, cred.State)
	assert.False(t, cred.CooldownUntil.IsZero())

	t.Run("before cooldown", func(t *testing.T) {
		avail, bd, err := m.Eligible(ctx, "openai", time.Now().UTC())
		require.NoError(t, err)
		assert.Empty(t, avail)
		assert.Equal(t, 1, bd.Throttled)
	})

	t.Run("after cooldown", func(t *testing.T) {
		avail, bd, err := m.Eligible(ctx, "openai", time.Now().UTC().Add(2*time.Minute))
		require.NoError(t, err)
		require.Len(t, avail, 1)
		assert.Equal(t, model.StateAvailable, avail[0].State)
		assert.Zero(t, bd.Throttled)

		recs, err := st.Query(ctx, store.Filter{Entity: model.EntityTransition, CredentialID: "k1"})
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, "cooldown elapsed", recs[1].Transition.Reason)
	})
}

func TestRotate(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	register(t, m, "k1", "openai")

	require.NoError(t, m.RecordSuccess(ctx, "k1", time.Now().UTC()))
	require.NoError(t, m.RecordFailure(ctx, "k1", time.Now().UTC()))

	rotated, err := m.Rotate(ctx, "k1", []byte("sk-new"))
	require.NoError(t, err)
	assert.Equal(t, model.StateAvailable, rotated.State)
	assert.Zero(t, rotated.Failures)
	assert.Equal(t, int64(1), rotated.Successes)
	assert.False(t, rotated.RotatedAt.IsZero())

	material, err := m.Open(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, []byte("sk-new"), material)

	_, err = m.Rotate(ctx, "k1", nil)
	assert.Equal(t, model.KindValidation, model.KindOf(err))
}

func TestRevoke(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	register(t, m, "k1", "openai")

	require.NoError(t, m.Revoke(ctx, "k1", "compromised"))

	cred, err := m.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, model.StateDisabled, cred.State)

	err = m.Transition(ctx, "k1", model.StateAvailable, "undo", "")
	assert.ErrorIs(t, err, credential.ErrInvalidTransition)
}

func TestCounters(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	register(t, m, "k1", "openai")

	now := time.Now().UTC()
	require.NoError(t, m.RecordSuccess(ctx, "k1", now))
	require.NoError(t, m.RecordSuccess(ctx, "k1", now))
	require.NoError(t, m.RecordFailure(ctx, "k1", now))

	cred, err := m.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), cred.Successes)
	assert.Equal(t, int64(1), cred.Failures)
	assert.Equal(t, now, cred.LastUsedAt)
	assert.Equal(t, now, cred.LastFailureAt)
	assert.InDelta(t, 0.5, cred.SuccessRate(), 1e-9)
}

func TestEligible(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	register(t, m, "k2", "openai")
	register(t, m, "k1", "openai")
	register(t, m, "k3", "anthropic")
	register(t, m, "k4", "openai")
	register(t, m, "k5", "openai")

	require.NoError(t, m.Transition(ctx, "k4", model.StateDisabled, "operator", ""))
	require.NoError(t, m.Transition(ctx, "k5", model.StateExhausted, "quota", ""))

	avail, bd, err := m.Eligible(ctx, "openai", time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, avail, 2)
	assert.Equal(t, "k1", avail[0].ID)
	assert.Equal(t, "k2", avail[1].ID)
	assert.Equal(t, 1, bd.Disabled)
	assert.Equal(t, 1, bd.Exhausted)
	assert.Equal(t, 2, bd.Total())
}
