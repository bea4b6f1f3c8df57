package protocol

import (
	"encoding/json"
	"time"
)

// Classification tags a stored audio blob with its retention class.
type Classification string

const (
	ClassPreview          Classification = "preview"
	ClassTemporary        Classification = "temporary"
	ClassFullConversation Classification = "full_conversation"
)

// Transcript is client-side ASR output delivered on the bus.
type Transcript struct {
	ConversationID string    `json:"conversation_id"`
	AgentID        string    `json:"agent_id,omitempty"`
	Text           string    `json:"text"`
	Partial        bool      `json:"partial"`
	Timestamp      time.Time `json:"timestamp"`
}

// TurnEvent wraps one pipeline event for republishing on the bus.
type TurnEvent struct {
	ConversationID string          `json:"conversation_id"`
	TurnID         string          `json:"turn_id,omitempty"`
	Event          json.RawMessage `json:"event"`
	Timestamp      time.Time       `json:"timestamp"`
}

// CallEnded announces that a call finished and its audio can be merged.
type CallEnded struct {
	ConversationID string    `json:"conversation_id"`
	Reason         string    `json:"reason,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

const (
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"
	SubjectTurnEventPrefix   = "turn.event"
	SubjectCallEnded         = "call.ended"
)

// TurnEventSubject returns the per-conversation subject turn events are published on.
func TurnEventSubject(conversationID string) string {
	return SubjectTurnEventPrefix + "." + conversationID
}
