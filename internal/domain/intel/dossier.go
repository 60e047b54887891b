// Package intel accumulates per-session intelligence harvested from
// intercepted LLM API traffic: masked credentials, model usage, tool
// inventories, and SDK fingerprints.
package intel

import "strings"

// Key types recognized from credential prefixes.
const (
	KeyTypeOpenAIProject = "openai_project"
	KeyTypeOpenAILegacy  = "openai_legacy"
	KeyTypeAnthropic     = "anthropic"
	KeyTypeUnknown       = "unknown"
)

// maskThreshold is the length above which keys are masked. Shorter strings
// are kept whole since a prefix+suffix mask would leak most of them anyway.
const maskThreshold = 20

// MaskKey reduces an API key to prefix...suffix. The mask format is part of
// the dossier's external contract.
func MaskKey(key string) string {
	if len(key) > maskThreshold {
		return key[:12] + "..." + key[len(key)-4:]
	}
	return key
}

// KeyPrefix returns the first eight characters for coarse fingerprinting.
func KeyPrefix(key string) string {
	if len(key) >= 8 {
		return key[:8]
	}
	return key
}

// ClassifyKey maps a credential prefix to a key type. The sk-ant- check
// runs before the bare sk- check: Anthropic keys share the sk- prefix.
func ClassifyKey(key string) string {
	switch {
	case strings.HasPrefix(key, "sk-proj-"):
		return KeyTypeOpenAIProject
	case strings.HasPrefix(key, "sk-ant-"):
		return KeyTypeAnthropic
	case strings.HasPrefix(key, "sk-"):
		return KeyTypeOpenAILegacy
	default:
		return KeyTypeUnknown
	}
}

// Tool is one entry of a harvested tool inventory. Description is capped at
// 200 characters at harvest time.
type Tool struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Params      []string `json:"params,omitempty"`
}

// Intercept is the intelligence harvested from a single API request.
type Intercept struct {
	Timestamp string `json:"timestamp"`
	Domain    string `json:"domain"`
	Path      string `json:"path"`
	Method    string `json:"method"`

	APIKey           string `json:"api_key,omitempty"`
	APIKeyPrefix     string `json:"api_key_prefix,omitempty"`
	KeyType          string `json:"key_type,omitempty"`
	OpenAIOrg        string `json:"openai_org,omitempty"`
	OpenAIProject    string `json:"openai_project,omitempty"`
	AnthropicVersion string `json:"anthropic_version,omitempty"`
	UserAgent        string `json:"user_agent,omitempty"`
	SrcIP            string `json:"src_ip,omitempty"`

	Model string `json:"model,omitempty"`
	// GenerationParams carries temperature, max_tokens, top_p, top_k,
	// frequency_penalty, presence_penalty, and stream when present.
	GenerationParams map[string]any `json:"generation_params,omitempty"`

	ToolInventory []Tool `json:"tool_inventory,omitempty"`
	ToolCount     int    `json:"tool_count,omitempty"`

	MessageCount     int            `json:"message_count,omitempty"`
	RoleDistribution map[string]int `json:"role_distribution,omitempty"`
	ResponseFormat   string         `json:"response_format,omitempty"`

	SystemPromptLength int `json:"system_prompt_length,omitempty"`
}

// Summary is the accumulated view over all of a session's intercepts.
// Set-valued fields grow by union, never shrink.
type Summary struct {
	InterceptCount int      `json:"intercept_count"`
	FirstSeen      string   `json:"first_seen,omitempty"`
	LastSeen       string   `json:"last_seen,omitempty"`
	APIKeys        []string `json:"api_keys"`
	KeyType        string   `json:"key_type,omitempty"`
	Models         []string `json:"models"`
	OpenAIOrg      string   `json:"openai_org,omitempty"`
	OpenAIProject  string   `json:"openai_project,omitempty"`
	UserAgent      string   `json:"user_agent,omitempty"`
	ToolInventory  []Tool   `json:"tool_inventory,omitempty"`
	ToolCount      int      `json:"tool_count,omitempty"`
	Domains        []string `json:"domains"`
}

// Report is the persisted per-session dossier.
type Report struct {
	SessionID  string      `json:"session_id"`
	Intercepts []Intercept `json:"intercepts"`
	Summary    Summary     `json:"summary"`
}

// absorb folds one intercept into the summary.
func (s *Summary) absorb(in Intercept, total int) {
	s.InterceptCount = total
	s.LastSeen = in.Timestamp
	if s.FirstSeen == "" {
		s.FirstSeen = in.Timestamp
	}

	if in.APIKey != "" && !containsString(s.APIKeys, in.APIKey) {
		s.APIKeys = append(s.APIKeys, in.APIKey)
	}
	if in.KeyType != "" {
		s.KeyType = in.KeyType
	}
	if in.Model != "" && !containsString(s.Models, in.Model) {
		s.Models = append(s.Models, in.Model)
	}
	if in.OpenAIOrg != "" {
		s.OpenAIOrg = in.OpenAIOrg
	}
	if in.OpenAIProject != "" {
		s.OpenAIProject = in.OpenAIProject
	}
	if in.UserAgent != "" {
		s.UserAgent = in.UserAgent
	}
	if in.Domain != "" && !containsString(s.Domains, in.Domain) {
		s.Domains = append(s.Domains, in.Domain)
	}

	if len(in.ToolInventory) > 0 {
		known := make(map[string]bool, len(s.ToolInventory))
		for _, t := range s.ToolInventory {
			known[t.Name] = true
		}
		for _, t := range in.ToolInventory {
			if !known[t.Name] {
				s.ToolInventory = append(s.ToolInventory, t)
				known[t.Name] = true
			}
		}
		s.ToolCount = len(s.ToolInventory)
	}
}

func containsString(in []string, v string) bool {
	for _, s := range in {
		if s == v {
			return true
		}
	}
	return false
}
