package grpcapi

import "github.com/thalo-rs/thalo/pkg/event"

// ExecuteRequest carries one command for a single entity.
type ExecuteRequest struct {
	Category    string `json:"category"`
	ID          string `json:"id"`
	Command     string `json:"command"`
	Payload     string `json:"payload"` // JSON-encoded command payload
	MaxAttempts int    `json:"max_attempts,omitempty"`
}

// ExecuteResponse mirrors spec.md §6's three-way Execute outcome
// (Success/CommandError/Timeout) as a single struct with an Outcome tag,
// since JSON has no tagged-union wire type of its own.
type ExecuteResponse struct {
	Outcome string         `json:"outcome"` // "success" | "error" | "timeout"
	Events  []event.Record `json:"events,omitempty"`
	Message string         `json:"message,omitempty"`
}

// PublishRequest replaces the module binary for a category.
type PublishRequest struct {
	Category string `json:"category"`
	Module   []byte `json:"module"`
}

// PublishResponse mirrors Publish's Success/Error outcome.
type PublishResponse struct {
	Outcome string `json:"outcome"` // "success" | "error"
	Message string `json:"message,omitempty"`
}

// SubscribeRequest starts (or replaces) a named subscription with an
// interest filter; an empty Interest matches every event.
type SubscribeRequest struct {
	Name     string             `json:"name"`
	Interest []InterestCriteria `json:"interest,omitempty"`
}

// InterestCriteria is the wire shape of a projection.Interest entry.
type InterestCriteria struct {
	Category  string `json:"category"`
	EventType string `json:"event_type"`
}

// AcknowledgeRequest acknowledges a single delivered event by global id.
type AcknowledgeRequest struct {
	Name     string `json:"name"`
	GlobalID uint64 `json:"global_id"`
}

// AcknowledgeResponse is the wire shape of AcknowledgeEvent's Ok reply.
type AcknowledgeResponse struct{}
