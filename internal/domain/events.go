package domain

import (
	"encoding/json"
	"time"
)

// Event types published to subscribers and the event stream
const (
	EventParticipantCreated = "participant_created"
	EventIdentityLinked     = "identity_linked"
	EventIdentityUnlinked   = "identity_unlinked"
	EventXPAwarded          = "participant_xp"
	EventXPRevoked          = "participant_xp_revoked"
	EventVerification       = "verification_update"
)

// Event is a participant-scoped change notification
type Event struct {
	Type          string      `json:"type"`
	ParticipantID string      `json:"participant_id"`
	Data          interface{} `json:"data,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`
}

// XPChange is the payload of XP events
type XPChange struct {
	Delta    int64  `json:"delta"`
	TotalXP  int64  `json:"total_xp"`
	Level    int    `json:"level"`
	Key      string `json:"key,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Replayed bool   `json:"replayed,omitempty"`
}

// VerificationRequest asks the engine to verify one task claim
type VerificationRequest struct {
	ParticipantID string          `json:"participant_id"`
	TaskID        string          `json:"task_id"`
	Answer        string          `json:"answer,omitempty"`
	Evidence      json.RawMessage `json:"evidence,omitempty"`
}
