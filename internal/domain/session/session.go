package session

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/corerun/agentcore/internal/domain/handle"
)

func unixNanoToTime(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Session owns one conversation's append-only history and its two handle
// registries. A Session is exclusively owned by its Turn Loop during a run
// (spec §5); the host must not mutate it concurrently while a turn is in
// flight, and the fields here are guarded defensively with a mutex anyway
// so accidental host reads between turns are safe.
type Session struct {
	mu sync.Mutex

	id              string
	history         []*Message
	pendingPlan     string
	fileHandles     *handle.Registry
	semanticHandles *handle.Registry

	// lastCompactionIdx is the index (exclusive upper bound) of the last
	// compaction summary message in history; everything before it is
	// considered pruned in the effective history.
	lastCompactionIdx int
}

// New creates an empty session with a fresh id.
func New() *Session {
	return &Session{
		id:              uuid.NewString(),
		fileHandles:     handle.New(),
		semanticHandles: handle.New(),
	}
}

// ID returns the session's stable id.
func (s *Session) ID() string { return s.id }

// FileHandles returns the session's File Handle Registry.
func (s *Session) FileHandles() *handle.Registry { return s.fileHandles }

// SemanticHandles returns the session's Semantic Handle Registry.
func (s *Session) SemanticHandles() *handle.Registry { return s.semanticHandles }

// PendingPlan returns the session's current plan text, if any.
func (s *Session) PendingPlan() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingPlan
}

// SetPendingPlan sets the session's plan text.
func (s *Session) SetPendingPlan(plan string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingPlan = plan
}

// Push appends a message to history, first finalizing any prior streaming
// message to enforce I3.
func (s *Session) Push(m *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.history); n > 0 && s.history[n-1].IsStreaming() {
		s.history[n-1].Finalize()
	}
	s.history = append(s.history, m)
}

// Last returns the last message in history, or nil if empty.
func (s *Session) Last() *Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.history) == 0 {
		return nil
	}
	return s.history[len(s.history)-1]
}

// History returns a copy of the raw (non-effective) history slice.
func (s *Session) History() []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Message, len(s.history))
	copy(out, s.history)
	return out
}

// MarkCompactionBoundary records that every message before index idx
// (the message at idx itself excluded) is now subsumed by a compaction
// summary, for
// GetEffectiveHistory's tombstone computation.
func (s *Session) MarkCompactionBoundary(idx int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx > s.lastCompactionIdx {
		s.lastCompactionIdx = idx
	}
}

// persistedSession is the JSON envelope described in spec §6 ("Persisted
// session layout"): opaque to the core, round-trips through JSON.
type persistedSession struct {
	SessionID         string            `json:"sessionId,omitempty"`
	History           []persistedMsg    `json:"history"`
	PendingPlan       string            `json:"pendingPlan,omitempty"`
	FileHandles       handle.Snapshot   `json:"fileHandles,omitempty"`
	SemanticHandles   handle.Snapshot   `json:"semanticHandles,omitempty"`
	LastCompactionIdx int               `json:"lastCompactionIdx"`
}

type persistedMsg struct {
	ID        string   `json:"id"`
	Role      Role     `json:"role"`
	Parts     []Part   `json:"parts"`
	Metadata  Metadata `json:"metadata"`
	TurnID    string   `json:"turnId,omitempty"`
	CreatedAt int64    `json:"createdAt"`
}

// MarshalJSON serializes the session to its opaque persisted form.
func (s *Session) MarshalJSON() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := persistedSession{
		SessionID:         s.id,
		PendingPlan:       s.pendingPlan,
		FileHandles:       s.fileHandles.Export(),
		SemanticHandles:   s.semanticHandles.Export(),
		LastCompactionIdx: s.lastCompactionIdx,
	}
	for _, m := range s.history {
		p.History = append(p.History, persistedMsg{
			ID: m.ID(), Role: m.Role(), Parts: m.Parts(), Metadata: m.Metadata(),
			TurnID: m.TurnID(), CreatedAt: m.CreatedAt().UnixNano(),
		})
	}
	return json.Marshal(p)
}

// FromJSON restores a Session from its persisted bytes.
func FromJSON(data []byte) (*Session, error) {
	var p persistedSession
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	s := &Session{
		id:                p.SessionID,
		pendingPlan:       p.PendingPlan,
		fileHandles:       handle.Import(p.FileHandles),
		semanticHandles:   handle.Import(p.SemanticHandles),
		lastCompactionIdx: p.LastCompactionIdx,
	}
	if s.id == "" {
		s.id = uuid.NewString()
	}
	for _, pm := range p.History {
		m, err := ReconstructMessage(pm.ID, pm.Role, pm.Parts, pm.Metadata, pm.TurnID, unixNanoToTime(pm.CreatedAt))
		if err != nil {
			return nil, err
		}
		s.history = append(s.history, m)
	}
	return s, nil
}
