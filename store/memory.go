package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ashita-ai/furiwake/model"
)

type snapshotKey struct {
	credentialID string
	window       model.TimeWindow
}

// Memory is the reference Store: maps under one RWMutex, values copied on the
// way in and out so callers never share memory with the store. Suitable for
// single-process deployments and tests.
type Memory struct {
	mu          sync.RWMutex
	closed      bool
	credentials map[string]model.Credential
	snapshots   map[snapshotKey]model.CapacitySnapshot
	decisions   []model.RoutingDecision
	transitions []model.StateTransition
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		credentials: make(map[string]model.Credential),
		snapshots:   make(map[snapshotKey]model.CapacitySnapshot),
	}
}

func (m *Memory) SaveCredential(_ context.Context, c model.Credential) error {
	if c.ID == "" {
		return fmt.Errorf("store: credential id is empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.credentials[c.ID] = c.Clone()
	return nil
}

func (m *Memory) GetCredential(_ context.Context, id string) (model.Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return model.Credential{}, ErrClosed
	}
	c, ok := m.credentials[id]
	if !ok {
		return model.Credential{}, fmt.Errorf("store: credential %s: %w", id, ErrNotFound)
	}
	return c.Clone(), nil
}

func (m *Memory) ListCredentials(_ context.Context) ([]model.Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]model.Credential, 0, len(m.credentials))
	for _, c := range m.credentials {
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SaveSnapshot(_ context.Context, s model.CapacitySnapshot) error {
	if s.CredentialID == "" || !s.Window.Valid() {
		return fmt.Errorf("store: snapshot needs credential id and window")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.snapshots[snapshotKey{s.CredentialID, s.Window}] = s
	return nil
}

func (m *Memory) GetSnapshot(_ context.Context, credentialID string, window model.TimeWindow) (model.CapacitySnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return model.CapacitySnapshot{}, ErrClosed
	}
	s, ok := m.snapshots[snapshotKey{credentialID, window}]
	if !ok {
		return model.CapacitySnapshot{}, fmt.Errorf("store: snapshot %s/%s: %w", credentialID, window, ErrNotFound)
	}
	return s, nil
}

func (m *Memory) SaveDecision(_ context.Context, d model.RoutingDecision) error {
	if d.ID == "" {
		return fmt.Errorf("store: decision id is empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.decisions = append(m.decisions, cloneDecision(d))
	return nil
}

func (m *Memory) SaveTransition(_ context.Context, t model.StateTransition) error {
	if t.ID == "" {
		return fmt.Errorf("store: transition id is empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.transitions = append(m.transitions, t)
	return nil
}

// Query returns records matching f, ordered by timestamp ascending. An empty
// Entity matches all record kinds.
func (m *Memory) Query(_ context.Context, f Filter) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	var out []Record

	if f.Entity == "" || f.Entity == model.EntityCredential {
		for _, c := range m.credentials {
			if !m.matchCredential(c, f) {
				continue
			}
			c := c.Clone()
			out = append(out, Record{Kind: model.EntityCredential, Credential: &c})
		}
	}
	if f.Entity == "" || f.Entity == model.EntitySnapshot {
		for _, s := range m.snapshots {
			if !m.matchCommon(f, s.CredentialID, s.UpdatedAt) {
				continue
			}
			s := s
			out = append(out, Record{Kind: model.EntitySnapshot, Snapshot: &s})
		}
	}
	if f.Entity == "" || f.Entity == model.EntityDecision {
		for _, d := range m.decisions {
			if !m.matchCommon(f, d.CredentialID, d.At) {
				continue
			}
			d := cloneDecision(d)
			out = append(out, Record{Kind: model.EntityDecision, Decision: &d})
		}
	}
	if f.Entity == "" || f.Entity == model.EntityTransition {
		for _, tr := range m.transitions {
			if !m.matchCommon(f, tr.CredentialID, tr.At) {
				continue
			}
			if f.State != "" && tr.To != f.State {
				continue
			}
			tr := tr
			out = append(out, Record{Kind: model.EntityTransition, Transition: &tr})
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return recordTime(out[i]).Before(recordTime(out[j])) })

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Close marks the store closed; subsequent operations return ErrClosed.
func (m *Memory) Close(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *Memory) matchCredential(c model.Credential, f Filter) bool {
	if f.CredentialID != "" && c.ID != f.CredentialID {
		return false
	}
	if f.Provider != "" && c.Provider != f.Provider {
		return false
	}
	if f.State != "" && c.State != f.State {
		return false
	}
	return inRange(c.CreatedAt, f.From, f.To)
}

// matchCommon applies credential id, provider (resolved through the owning
// credential), and timestamp filters.
func (m *Memory) matchCommon(f Filter, credentialID string, at time.Time) bool {
	if f.CredentialID != "" && credentialID != f.CredentialID {
		return false
	}
	if f.Provider != "" {
		c, ok := m.credentials[credentialID]
		if !ok || c.Provider != f.Provider {
			return false
		}
	}
	return inRange(at, f.From, f.To)
}

func inRange(at, from, to time.Time) bool {
	if !from.IsZero() && at.Before(from) {
		return false
	}
	if !to.IsZero() && !at.Before(to) {
		return false
	}
	return true
}

func recordTime(r Record) time.Time {
	switch r.Kind {
	case model.EntityCredential:
		return r.Credential.CreatedAt
	case model.EntitySnapshot:
		return r.Snapshot.UpdatedAt
	case model.EntityDecision:
		return r.Decision.At
	case model.EntityTransition:
		return r.Transition.At
	}
	return time.Time{}
}

func cloneDecision(d model.RoutingDecision) model.RoutingDecision {
	out := d
	if d.Candidates != nil {
		out.Candidates = append([]string(nil), d.Candidates...)
	}
	if d.TieSet != nil {
		out.TieSet = append([]string(nil), d.TieSet...)
	}
	if d.Scores != nil {
		out.Scores = make(map[string]model.ObjectiveScores, len(d.Scores))
		for k, v := range d.Scores {
			out.Scores[k] = v
		}
	}
	return out
}
