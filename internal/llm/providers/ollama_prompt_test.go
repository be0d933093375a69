package providers

import "testing"

func TestParsePromptedToolCall(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		wantName string
		wantArgs string
		wantOK   bool
	}{
		{
			name:     "fenced json block",
			content:  "Sure, running it now:\n```json\n{\"tool\": \"run_shell\", \"arguments\": {\"command\": \"ls\"}}\n```",
			wantName: "run_shell",
			wantArgs: `{"command": "ls"}`,
			wantOK:   true,
		},
		{
			name:     "bare fence",
			content:  "```\n{\"tool\": \"search\", \"arguments\": {\"query\": \"golang\"}}\n```",
			wantName: "search",
			wantArgs: `{"query": "golang"}`,
			wantOK:   true,
		},
		{
			name:     "whole content is the invocation",
			content:  `{"tool": "read_file", "arguments": {"path": "/tmp/a"}}`,
			wantName: "read_file",
			wantArgs: `{"path": "/tmp/a"}`,
			wantOK:   true,
		},
		{
			name:     "embedded in prose",
			content:  `I'll check that. {"tool": "run_shell", "arguments": {"command": "echo \"{}\""}} One moment.`,
			wantName: "run_shell",
			wantArgs: `{"command": "echo \"{}\""}`,
			wantOK:   true,
		},
		{
			name:    "missing arguments object",
			content: `{"tool": "run_shell"}`,
			wantOK:  false,
		},
		{
			name:    "arguments not an object",
			content: `{"tool": "run_shell", "arguments": "ls"}`,
			wantOK:  false,
		},
		{
			name:    "plain prose",
			content: "The answer is 42.",
			wantOK:  false,
		},
		{
			name:    "json without tool key",
			content: `{"result": "done", "arguments": {}}`,
			wantOK:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc, rest, ok := ParsePromptedToolCall(tt.content)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				if rest != tt.content {
					t.Errorf("content must be returned unchanged on miss")
				}
				return
			}
			if tc.Function.Name != tt.wantName {
				t.Errorf("name = %q, want %q", tc.Function.Name, tt.wantName)
			}
			if tc.Function.Arguments != tt.wantArgs {
				t.Errorf("args = %q, want %q", tc.Function.Arguments, tt.wantArgs)
			}
			if tc.ID == "" {
				t.Error("expected a minted call ID")
			}
		})
	}
}

func TestBalancedObjectRespectsStrings(t *testing.T) {
	content := `prefix {"a": "brace } in string", "b": {"c": 1}} suffix`
	obj, rest, ok := balancedObject(content)
	if !ok {
		t.Fatal("expected a balanced object")
	}
	if obj != `{"a": "brace } in string", "b": {"c": 1}}` {
		t.Errorf("obj = %q", obj)
	}
	if rest != "prefix  suffix" {
		t.Errorf("rest = %q", rest)
	}
}
