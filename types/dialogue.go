package types

import "time"

// RouteAttempt records a single model try during routing.
// Ephemeral, observability only; never part of correctness decisions.
type RouteAttempt struct {
	Model     string        `json:"model"`
	StartTime time.Time     `json:"start_time"`
	Duration  time.Duration `json:"duration"`
	Outcome   string        `json:"outcome"` // "success" or an ErrorCode
}

// DialogueOption is one selectable player line in a dialogue wheel.
type DialogueOption struct {
	ID                int    `json:"id"`
	Text              string `json:"text"`
	Tone              string `json:"tone,omitempty"` // friendly, neutral, aggressive, curious
	RelationshipDelta int    `json:"relationship_delta,omitempty"`
	LeadsTo           string `json:"leads_to,omitempty"` // response, quest, trade, farewell
}

// DialogueUpdate is the payload delivered asynchronously to the
// caller-facing layer once a dialogue turn has resolved.
type DialogueUpdate struct {
	CallerID       string           `json:"caller_id"`
	ConversationID string           `json:"conversation_id"`
	TargetID       string           `json:"target_id"`
	NPCResponse    string           `json:"npc_response,omitempty"`
	Options        []DialogueOption `json:"options,omitempty"`
	Ended          bool             `json:"ended,omitempty"`
	// Fallback marks a neutral in-character response produced locally
	// because the full model chain failed. Never an error to the caller.
	Fallback bool `json:"fallback,omitempty"`
}
