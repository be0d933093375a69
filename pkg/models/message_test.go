package models

import (
	"encoding/json"
	"testing"
)

func TestMessageText(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want string
	}{
		{
			name: "plain content",
			msg:  Message{Role: RoleUser, Content: "hello"},
			want: "hello",
		},
		{
			name: "text blocks joined",
			msg: Message{
				Role: RoleUser,
				Blocks: []ContentBlock{
					TextBlock("first"),
					TextBlock("second"),
				},
			},
			want: "first\nsecond",
		},
		{
			name: "images skipped",
			msg: Message{
				Role: RoleUser,
				Blocks: []ContentBlock{
					TextBlock("caption"),
					ImageBlock("image/png", "aGVsbG8="),
				},
			},
			want: "caption",
		},
		{
			name: "content then blocks",
			msg: Message{
				Role:    RoleUser,
				Content: "lead",
				Blocks:  []ContentBlock{TextBlock("tail")},
			},
			want: "lead\ntail",
		},
		{
			name: "empty",
			msg:  Message{Role: RoleAssistant},
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.msg.Text(); got != tt.want {
				t.Errorf("Text() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestToolCallArgumentsRoundTrip(t *testing.T) {
	// Arguments must survive serialization untouched, including
	// non-canonical spacing.
	raw := `{"command":  "ls -la", "cwd":"/tmp"}`
	tc := NewToolCall("call_1", "bash", raw)

	data, err := json.Marshal(tc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded ToolCall
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if decoded.Function.Arguments != raw {
		t.Errorf("arguments changed: got %q, want %q", decoded.Function.Arguments, raw)
	}
	if decoded.Type != "function" {
		t.Errorf("type = %q, want function", decoded.Type)
	}
}
