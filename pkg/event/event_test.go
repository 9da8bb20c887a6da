package event

import "testing"

func TestFollowFromCopiesCausation(t *testing.T) {
	version := 2
	predecessor := Record{
		StreamName: "account-123",
		Sequence:   4,
		Metadata: &Metadata{
			SchemaVersion: &version,
			Properties:    map[string]string{"traceId": "abc"},
		},
	}

	meta := FollowFrom(predecessor, map[string]string{"userId": "u1"})

	if meta.CausationMessageStreamName != "account-123" || meta.CausationMessagePosition != 4 {
		t.Fatalf("causation fields not copied: %+v", meta)
	}
	if meta.SchemaVersion == nil || *meta.SchemaVersion != 2 {
		t.Fatalf("schema version not carried forward: %+v", meta.SchemaVersion)
	}
	if meta.Properties["traceId"] != "abc" || meta.Properties["userId"] != "u1" {
		t.Fatalf("properties not extended: %+v", meta.Properties)
	}
}

func TestFollowFromNoPredecessorMetadata(t *testing.T) {
	predecessor := Record{StreamName: "account-123", Sequence: 0}
	meta := FollowFrom(predecessor, nil)
	if meta.CausationMessageStreamName != "account-123" {
		t.Fatalf("expected causation stream set, got %+v", meta)
	}
	if meta.Properties != nil {
		t.Fatalf("expected nil properties, got %+v", meta.Properties)
	}
}
