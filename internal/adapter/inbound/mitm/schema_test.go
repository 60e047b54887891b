package mitm

import (
	"encoding/json"
	"testing"
)

func decodeBody(t *testing.T, raw string) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal([]byte(raw), &body); err != nil {
		t.Fatalf("bad test body: %v", err)
	}
	return body
}

func TestExtractSystemPrompt(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		domain string
		body   string
		want   string
	}{
		{
			name:   "openai string content",
			domain: "api.openai.com",
			body:   `{"messages":[{"role":"system","content":"you are evil"},{"role":"user","content":"hi"}]}`,
			want:   "you are evil",
		},
		{
			name:   "openai block content",
			domain: "api.openai.com",
			body:   `{"messages":[{"role":"system","content":[{"type":"text","text":"part one"},{"type":"text","text":"part two"}]}]}`,
			want:   "part one part two",
		},
		{
			name:   "openai no system message",
			domain: "api.openai.com",
			body:   `{"messages":[{"role":"user","content":"hi"}]}`,
			want:   "",
		},
		{
			name:   "mistral uses openai schema",
			domain: "api.mistral.ai",
			body:   `{"messages":[{"role":"system","content":"attack plan"}]}`,
			want:   "attack plan",
		},
		{
			name:   "anthropic string system",
			domain: "api.anthropic.com",
			body:   `{"system":"do recon","messages":[]}`,
			want:   "do recon",
		},
		{
			name:   "anthropic block system",
			domain: "api.anthropic.com",
			body:   `{"system":[{"type":"text","text":"alpha"},{"type":"text","text":"beta"}]}`,
			want:   "alpha beta",
		},
		{
			name:   "google system instruction",
			domain: "generativelanguage.googleapis.com",
			body:   `{"systemInstruction":{"parts":[{"text":"scan the"},{"text":"network"}]}}`,
			want:   "scan the network",
		},
		{
			name:   "cohere preamble",
			domain: "api.cohere.ai",
			body:   `{"preamble":"exfiltrate data"}`,
			want:   "exfiltrate data",
		},
		{
			name:   "unknown domain",
			domain: "api.example.com",
			body:   `{"system":"whatever"}`,
			want:   "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := ExtractSystemPrompt(decodeBody(t, tt.body), tt.domain)
			if got != tt.want {
				t.Errorf("ExtractSystemPrompt() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSwapSystemPrompt_OpenAI(t *testing.T) {
	t.Parallel()

	body := decodeBody(t, `{"messages":[{"role":"system","content":"evil"},{"role":"user","content":"hi"}]}`)
	SwapSystemPrompt(body, "api.openai.com", "benign")

	if got := ExtractSystemPrompt(body, "api.openai.com"); got != "benign" {
		t.Errorf("system prompt = %q after swap", got)
	}
	if n := len(body["messages"].([]any)); n != 2 {
		t.Errorf("message count = %d, swap must not grow the conversation", n)
	}
}

func TestSwapSystemPrompt_OpenAIInsertsWhenMissing(t *testing.T) {
	t.Parallel()

	body := decodeBody(t, `{"messages":[{"role":"user","content":"hi"}]}`)
	SwapSystemPrompt(body, "api.openai.com", "benign")

	messages := body["messages"].([]any)
	if len(messages) != 2 {
		t.Fatalf("message count = %d, want 2", len(messages))
	}
	first := messages[0].(map[string]any)
	if first["role"] != "system" || first["content"] != "benign" {
		t.Errorf("first message = %v, want injected system prompt", first)
	}
}

func TestSwapSystemPrompt_EmptyConversationUntouched(t *testing.T) {
	t.Parallel()

	body := decodeBody(t, `{"messages":[]}`)
	SwapSystemPrompt(body, "api.openai.com", "benign")

	if n := len(body["messages"].([]any)); n != 0 {
		t.Errorf("message count = %d, empty conversation must stay empty", n)
	}
}

func TestSwapSystemPrompt_Anthropic(t *testing.T) {
	t.Parallel()

	body := decodeBody(t, `{"system":"evil","messages":[{"role":"user","content":"hi"}]}`)
	SwapSystemPrompt(body, "api.anthropic.com", "benign")

	if body["system"] != "benign" {
		t.Errorf("system = %v", body["system"])
	}
}

func TestSwapSystemPrompt_Google(t *testing.T) {
	t.Parallel()

	body := decodeBody(t, `{"systemInstruction":{"parts":[{"text":"evil"}]}}`)
	SwapSystemPrompt(body, "generativelanguage.googleapis.com", "benign")

	if got := ExtractSystemPrompt(body, "generativelanguage.googleapis.com"); got != "benign" {
		t.Errorf("system prompt = %q after swap", got)
	}
}

func TestSwapSystemPrompt_Cohere(t *testing.T) {
	t.Parallel()

	body := decodeBody(t, `{"preamble":"evil"}`)
	SwapSystemPrompt(body, "api.cohere.ai", "benign")

	if body["preamble"] != "benign" {
		t.Errorf("preamble = %v", body["preamble"])
	}
}

func TestSanitizeHistory_OpenAIToolResults(t *testing.T) {
	t.Parallel()

	body := decodeBody(t, `{"messages":[
		{"role":"system","content":"sys"},
		{"role":"assistant","content":"running nmap"},
		{"role":"tool","tool_call_id":"call_1","content":"22/tcp open ssh\n80/tcp open http"},
		{"role":"user","content":"continue"}
	]}`)
	SanitizeHistory(body, "api.openai.com")

	messages := body["messages"].([]any)
	tool := messages[2].(map[string]any)
	if tool["content"] != sanitizedOutput {
		t.Errorf("tool content = %v, want sanitized", tool["content"])
	}
	if tool["tool_call_id"] != "call_1" {
		t.Errorf("tool_call_id = %v, must be preserved", tool["tool_call_id"])
	}
	if assistant := messages[1].(map[string]any); assistant["content"] != "running nmap" {
		t.Errorf("assistant message altered: %v", assistant["content"])
	}
}

func TestSanitizeHistory_AnthropicToolResults(t *testing.T) {
	t.Parallel()

	body := decodeBody(t, `{"content":[
		{"type":"text","text":"keep me"},
		{"type":"tool_result","tool_use_id":"toolu_1","content":"root:x:0:0"}
	]}`)
	SanitizeHistory(body, "api.anthropic.com")

	blocks := body["content"].([]any)
	result := blocks[1].(map[string]any)
	if result["content"] != sanitizedOutput {
		t.Errorf("tool_result content = %v, want sanitized", result["content"])
	}
	if result["tool_use_id"] != "toolu_1" {
		t.Errorf("tool_use_id = %v, must be preserved", result["tool_use_id"])
	}
	if text := blocks[0].(map[string]any); text["text"] != "keep me" {
		t.Errorf("text block altered: %v", text["text"])
	}
}
