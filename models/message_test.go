package models

import (
	"encoding/json"
	"testing"
)

func TestFormatTimestampIsUTC(t *testing.T) {
	// 2024-03-01 12:34:56 UTC
	got := FormatTimestamp(1709296496000)
	if got != "2024-03-01 12:34:56" {
		t.Fatalf("unexpected timestamp: %q", got)
	}
}

func TestFrameJSONShapes(t *testing.T) {
	cases := []struct {
		name  string
		frame any
		want  string
	}{
		{
			name:  "message",
			frame: NewMessageFrame("hi", "alice", 1709296496000),
			want:  `{"type":"message","message":"hi","sender":"alice","timestamp":"2024-03-01 12:34:56"}`,
		},
		{
			name:  "status",
			frame: NewStatusFrame("bob", false),
			want:  `{"type":"status","user":"bob","status":"offline"}`,
		},
		{
			name:  "conversation_update",
			frame: NewConversationUpdateFrame(7, "hi", "alice", 1709296496000),
			want:  `{"type":"conversation_update","conversation_id":7,"last_message":"hi","sender":"alice","timestamp":"2024-03-01 12:34:56"}`,
		},
	}
	for _, tc := range cases {
		data, err := json.Marshal(tc.frame)
		if err != nil {
			t.Fatalf("%s: marshal failed: %v", tc.name, err)
		}
		if string(data) != tc.want {
			t.Fatalf("%s: got %s want %s", tc.name, data, tc.want)
		}
	}
}

func TestInboundMessageDistinguishesMissingField(t *testing.T) {
	var withField InboundMessage
	if err := json.Unmarshal([]byte(`{"message":""}`), &withField); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if withField.Message == nil {
		t.Fatal("expected present field to be non-nil")
	}

	var withoutField InboundMessage
	if err := json.Unmarshal([]byte(`{"text":"hi"}`), &withoutField); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if withoutField.Message != nil {
		t.Fatal("expected missing field to be nil")
	}
}
