// Package event defines the persisted event record and the message
// metadata envelope carried alongside it.
package event

import "encoding/json"

// Record is a single persisted, immutable event. (stream_name, sequence) is
// unique; sequences within a stream are dense from 0.
type Record struct {
	StreamName     string          `json:"stream_name"`
	Sequence       uint64          `json:"sequence"`
	GlobalSequence uint64          `json:"global_sequence"`
	ID             string          `json:"id"`
	EventType      string          `json:"event_type"`
	Data           json.RawMessage `json:"data"`
	Timestamp      int64           `json:"timestamp"`
	Metadata       *Metadata       `json:"metadata,omitempty"`
}

// NewEvent is a not-yet-persisted event produced by a command handler,
// before sequence/global_sequence/timestamp are assigned by the store.
type NewEvent struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Metadata  *Metadata       `json:"metadata,omitempty"`
}

// Metadata is carried beside event data, never used for ordering.
type Metadata struct {
	CausationMessageStreamName string            `json:"causation_message_stream_name,omitempty"`
	CausationMessagePosition   uint64             `json:"causation_message_position,omitempty"`
	ReplyStreamName            string            `json:"reply_stream_name,omitempty"`
	SchemaVersion              *int              `json:"schema_version,omitempty"`
	Properties                 map[string]string `json:"properties,omitempty"`
}

// FollowFrom builds the metadata for a message caused by predecessor,
// copying its stream name and position into the causation fields and
// extending (never replacing) its properties. No ownership coupling is
// implied; the returned Metadata is a fresh value.
func FollowFrom(predecessor Record, extra map[string]string) *Metadata {
	m := &Metadata{
		CausationMessageStreamName: predecessor.StreamName,
		CausationMessagePosition:   predecessor.Sequence,
	}
	if predecessor.Metadata != nil {
		m.ReplyStreamName = predecessor.Metadata.ReplyStreamName
		m.SchemaVersion = predecessor.Metadata.SchemaVersion
		if len(predecessor.Metadata.Properties) > 0 {
			m.Properties = make(map[string]string, len(predecessor.Metadata.Properties)+len(extra))
			for k, v := range predecessor.Metadata.Properties {
				m.Properties[k] = v
			}
		}
	}
	if len(extra) > 0 {
		if m.Properties == nil {
			m.Properties = make(map[string]string, len(extra))
		}
		for k, v := range extra {
			m.Properties[k] = v
		}
	}
	return m
}
