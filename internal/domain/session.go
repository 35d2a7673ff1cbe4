package domain

import (
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ResultStatus is the terminal (or pending) state of one agent's call.
type ResultStatus string

const (
	StatusPending   ResultStatus = "pending"
	StatusSucceeded ResultStatus = "succeeded"
	StatusFailed    ResultStatus = "failed"
)

// AgentResult is the outcome of one agent's call within a session.
type AgentResult struct {
	Agent   string        `json:"agent"`
	Status  ResultStatus  `json:"status"`
	Content string        `json:"content,omitempty"`
	Reason  string        `json:"reason,omitempty"` // failure detail
	Kind    FailureKind   `json:"kind,omitempty"`
	Elapsed time.Duration `json:"elapsed"`
}

// SessionPhase tracks the orchestration state machine for one question.
type SessionPhase string

const (
	PhaseAdmitted    SessionPhase = "admitted"
	PhaseDispatching SessionPhase = "dispatching"
	PhaseAggregating SessionPhase = "aggregating"
	PhaseCompleted   SessionPhase = "completed"
	PhaseAborted     SessionPhase = "aborted"
)

// Session is the per-connection, per-question aggregation context. It is
// created when a question arrives and discarded when the connection closes.
// The session is owned by a single connection's task set; the mutex only
// guards against the orchestrator's fan-out goroutines writing results
// concurrently.
type Session struct {
	mu        sync.RWMutex
	ID        string       `json:"id"` // ULID
	ClientKey string       `json:"client_key"`
	Question  string       `json:"question"`
	Agents    []string     `json:"agents"`
	Phase     SessionPhase `json:"phase"`
	CreatedAt time.Time    `json:"created_at"`

	results map[string]AgentResult
}

// NewSession creates a session in the Admitted phase with a generated ULID.
func NewSession(clientKey, question string) *Session {
	now := time.Now()
	return &Session{
		ID:        generateULID(now),
		ClientKey: clientKey,
		Question:  question,
		Phase:     PhaseAdmitted,
		CreatedAt: now,
		results:   make(map[string]AgentResult),
	}
}

func generateULID(t time.Time) string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// SetPhase advances the session state machine.
func (s *Session) SetPhase(p SessionPhase) {
	s.mu.Lock()
	s.Phase = p
	s.mu.Unlock()
}

// CurrentPhase returns the session phase.
func (s *Session) CurrentPhase() SessionPhase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Phase
}

// MarkDispatched records the agents selected for this session, all pending.
func (s *Session) MarkDispatched(agents []AgentDefinition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Phase = PhaseDispatching
	s.Agents = s.Agents[:0]
	for _, a := range agents {
		s.Agents = append(s.Agents, a.Name)
		s.results[a.Name] = AgentResult{Agent: a.Name, Status: StatusPending}
	}
}

// SetResult records a terminal result for one agent. A result that arrives
// after the agent already reached a terminal state (a straggler past the
// request deadline) is dropped.
func (s *Session) SetResult(r AgentResult) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.results[r.Agent]; ok && prev.Status != StatusPending {
		return false
	}
	s.results[r.Agent] = r
	return true
}

// Result returns the recorded result for one agent.
func (s *Session) Result(agent string) (AgentResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.results[agent]
	return r, ok
}

// Results returns a copy of all recorded results keyed by agent name.
func (s *Session) Results() map[string]AgentResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]AgentResult, len(s.results))
	for k, v := range s.results {
		out[k] = v
	}
	return out
}

// Counts returns how many results succeeded and failed so far.
func (s *Session) Counts() (succeeded, failed int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.results {
		switch r.Status {
		case StatusSucceeded:
			succeeded++
		case StatusFailed:
			failed++
		}
	}
	return succeeded, failed
}
