package gateway

import (
	"github.com/AssetOverflow/AIPoweredBibleStudy/internal/domain"
)

// FrameType identifies the kind of frame sent over the WebSocket connection.
type FrameType string

const (
	// FrameTypeQuestion is sent by the client to start a session.
	FrameTypeQuestion FrameType = "question"
	// FrameTypeDelta carries one incremental content chunk from one agent,
	// sent only when the question asked for streaming. The agent's terminal
	// result frame still follows with the full assembled content.
	FrameTypeDelta FrameType = "delta"
	// FrameTypeResult carries one agent's terminal result.
	FrameTypeResult FrameType = "result"
	// FrameTypeComplete closes a session's result sequence.
	FrameTypeComplete FrameType = "complete"
	// FrameTypeError reports a session-level failure.
	FrameTypeError FrameType = "error"
)

// Frame is the envelope exchanged between client and server over WebSocket.
// Which fields are set depends on Type.
type Frame struct {
	Type FrameType `json:"type"`

	// Question (client -> server).
	Question string   `json:"question,omitempty"`
	Agents   []string `json:"agents,omitempty"` // empty selects the full panel
	Stream   bool     `json:"stream,omitempty"` // deliver incremental delta frames

	// Session correlates result/complete/error frames with the question.
	// Delta frames omit it: at most one session is in flight per connection.
	Session string `json:"session,omitempty"`

	// Delta (server -> client), interleaved across agents in arrival order.
	Agent string `json:"agent,omitempty"`
	Delta string `json:"delta,omitempty"`

	// Result (server -> client), one per dispatched agent.
	Result *domain.AgentResult `json:"result,omitempty"`

	// Complete (server -> client).
	Succeeded int `json:"succeeded,omitempty"`
	Failed    int `json:"failed,omitempty"`

	// Error (server -> client).
	Error string             `json:"error,omitempty"`
	Kind  domain.FailureKind `json:"kind,omitempty"`
}
