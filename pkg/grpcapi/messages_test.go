package grpcapi_test

import (
	"encoding/json"
	"testing"

	"github.com/thalo-rs/thalo/pkg/grpcapi"
)

func TestExecuteResponseRoundTrip(t *testing.T) {
	resp := grpcapi.ExecuteResponse{Outcome: "success", Message: "ok"}
	b, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got grpcapi.ExecuteResponse
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Outcome != resp.Outcome || got.Message != resp.Message {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, resp)
	}
}
