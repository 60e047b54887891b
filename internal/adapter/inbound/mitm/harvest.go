package mitm

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/DaxxSec/labyrinth/internal/domain/intel"
)

// generationParams are the sampling knobs worth fingerprinting: they reveal
// the attacker's tooling defaults.
var generationParams = []string{
	"temperature", "max_tokens", "top_p", "top_k",
	"frequency_penalty", "presence_penalty", "stream",
}

// toolDescriptionLimit caps harvested tool descriptions.
const toolDescriptionLimit = 200

// previewLimit caps argument previews in response intelligence.
const previewLimit = 200

// HarvestRequest extracts everything of intelligence value from one
// intercepted API request: credentials (masked), SDK fingerprints, model
// and sampling parameters, the full tool inventory, and the conversation
// shape. It never stores message content.
func HarvestRequest(header http.Header, body map[string]any, domain, path, method, srcIP string) intel.Intercept {
	in := intel.Intercept{
		Timestamp: time.Now().UTC().Format("2006-01-02T15:04:05.000000Z"),
		Domain:    domain,
		Path:      path,
		Method:    method,
		SrcIP:     srcIP,
	}

	if auth := header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		key := strings.TrimPrefix(auth, "Bearer ")
		in.APIKey = intel.MaskKey(key)
		in.APIKeyPrefix = intel.KeyPrefix(key)
		in.KeyType = intel.ClassifyKey(key)
	}
	if key := header.Get("x-api-key"); key != "" {
		in.APIKey = intel.MaskKey(key)
		in.APIKeyPrefix = intel.KeyPrefix(key)
		in.KeyType = intel.KeyTypeAnthropic
	}

	in.OpenAIOrg = header.Get("openai-organization")
	in.OpenAIProject = header.Get("openai-project")
	in.AnthropicVersion = header.Get("anthropic-version")
	in.UserAgent = header.Get("User-Agent")

	in.Model, _ = body["model"].(string)

	for _, param := range generationParams {
		v, ok := body[param]
		if !ok {
			continue
		}
		if in.GenerationParams == nil {
			in.GenerationParams = make(map[string]any)
		}
		in.GenerationParams[param] = v
	}

	in.ToolInventory = harvestTools(body)
	in.ToolCount = len(in.ToolInventory)

	messages := body["messages"]
	if messages == nil {
		messages = body["contents"]
	}
	if list, ok := messages.([]any); ok && len(list) > 0 {
		in.MessageCount = len(list)
		in.RoleDistribution = make(map[string]int)
		for _, raw := range list {
			msg, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			role, _ := msg["role"].(string)
			if role == "" {
				role = "unknown"
			}
			in.RoleDistribution[role]++
		}
	}

	if rf, ok := body["response_format"]; ok {
		in.ResponseFormat = fmt.Sprintf("%v", rf)
	}

	return in
}

// harvestTools builds the tool inventory from either the tools or the
// legacy functions field. OpenAI nests the definition under "function";
// Anthropic puts it at the top level with input_schema.
func harvestTools(body map[string]any) []intel.Tool {
	raw := body["tools"]
	if raw == nil {
		raw = body["functions"]
	}
	defs := asObjectList(raw)
	if len(defs) == 0 {
		return nil
	}

	out := make([]intel.Tool, 0, len(defs))
	for _, def := range defs {
		fn := def
		if nested, ok := def["function"].(map[string]any); ok {
			fn = nested
		}
		name, _ := fn["name"].(string)
		desc, _ := fn["description"].(string)
		if len(desc) > toolDescriptionLimit {
			desc = desc[:toolDescriptionLimit]
		}
		tool := intel.Tool{Name: name, Description: desc}

		params, ok := fn["parameters"].(map[string]any)
		if !ok {
			params, _ = fn["input_schema"].(map[string]any)
		}
		if props, ok := params["properties"].(map[string]any); ok {
			for key := range props {
				tool.Params = append(tool.Params, key)
			}
		}
		out = append(out, tool)
	}
	return out
}

// HarvestResponse extracts what the model answered with: stop reason, tool
// calls the agent was instructed to run (previewed, not stored whole), and
// token usage. The shape follows the provider's response schema.
func HarvestResponse(domain string, statusCode int, body map[string]any) map[string]any {
	out := map[string]any{
		"domain":      domain,
		"status_code": statusCode,
	}
	if body == nil {
		return out
	}

	switch domain {
	case domainOpenAI, domainMistral:
		if choices := asObjectList(body["choices"]); len(choices) > 0 {
			choice := choices[0]
			out["finish_reason"], _ = choice["finish_reason"].(string)
			message, _ := choice["message"].(map[string]any)
			content, _ := message["content"].(string)
			out["has_content"] = content != ""

			if calls := asObjectList(message["tool_calls"]); len(calls) > 0 {
				previews := make([]map[string]any, 0, len(calls))
				for _, call := range calls {
					fn, _ := call["function"].(map[string]any)
					name, _ := fn["name"].(string)
					previews = append(previews, map[string]any{
						"name":              name,
						"arguments_preview": preview(fn["arguments"]),
					})
				}
				out["tool_calls"] = previews
				out["tool_call_count"] = len(previews)
			}
		}
		if usage, ok := body["usage"].(map[string]any); ok {
			out["prompt_tokens"] = usage["prompt_tokens"]
			out["completion_tokens"] = usage["completion_tokens"]
			out["total_tokens"] = usage["total_tokens"]
		}
		out["model"], _ = body["model"].(string)

	case domainAnthropic:
		out["stop_reason"], _ = body["stop_reason"].(string)
		out["model"], _ = body["model"].(string)

		var previews []map[string]any
		for _, block := range asObjectList(body["content"]) {
			if block["type"] != "tool_use" {
				continue
			}
			name, _ := block["name"].(string)
			previews = append(previews, map[string]any{
				"name":          name,
				"input_preview": preview(block["input"]),
			})
		}
		if len(previews) > 0 {
			out["tool_calls"] = previews
			out["tool_call_count"] = len(previews)
		}
		if usage, ok := body["usage"].(map[string]any); ok {
			out["input_tokens"] = usage["input_tokens"]
			out["output_tokens"] = usage["output_tokens"]
		}

	case domainGoogle:
		if candidates := asObjectList(body["candidates"]); len(candidates) > 0 {
			out["finish_reason"], _ = candidates[0]["finishReason"].(string)
		}
		if usage, ok := body["usageMetadata"].(map[string]any); ok {
			out["prompt_tokens"] = usage["promptTokenCount"]
			out["completion_tokens"] = usage["candidatesTokenCount"]
		}
	}

	return out
}

func preview(v any) string {
	s := fmt.Sprintf("%v", v)
	if len(s) > previewLimit {
		s = s[:previewLimit]
	}
	return s
}
