package llm

import (
	"os"
	"sort"
	"strings"
)

// ProviderID names a supported backend.
type ProviderID string

const (
	ProviderKimi      ProviderID = "kimi"
	ProviderQwen      ProviderID = "qwen"
	ProviderOpenAI    ProviderID = "openai"
	ProviderAnthropic ProviderID = "anthropic"
)

// Capability is the static description of a provider.
type Capability struct {
	ID   ProviderID
	Name string

	// BaseURL is the OpenAI-compatible API root. Empty for providers reached
	// through a native SDK.
	BaseURL string

	DefaultModel string

	// APIKeyEnv is consulted when neither the request nor the configuration
	// carries a key.
	APIKeyEnv string

	// OpenAICompatible providers speak the chat/completions wire format.
	OpenAICompatible bool

	// VisionModel is the default model for image understanding. Empty if the
	// provider has none.
	VisionModel string

	// ModelPrefixes claim model names for this provider in [ResolveModel].
	ModelPrefixes []string
}

var capabilities = map[ProviderID]Capability{
	ProviderKimi: {
		ID:               ProviderKimi,
		Name:             "Kimi",
		BaseURL:          "https://api.moonshot.cn/v1",
		DefaultModel:     "moonshot-v1-8k",
		APIKeyEnv:        "MOONSHOT_API_KEY",
		OpenAICompatible: true,
		ModelPrefixes:    []string{"moonshot-", "kimi-"},
	},
	ProviderQwen: {
		ID:               ProviderQwen,
		Name:             "Qwen",
		BaseURL:          "https://dashscope.aliyuncs.com/compatible-mode/v1",
		DefaultModel:     "qwen-plus",
		APIKeyEnv:        "DASHSCOPE_API_KEY",
		OpenAICompatible: true,
		VisionModel:      "qwen-vl-plus",
		ModelPrefixes:    []string{"qwen", "qwq-"},
	},
	ProviderOpenAI: {
		ID:               ProviderOpenAI,
		Name:             "OpenAI",
		BaseURL:          "https://api.openai.com/v1",
		DefaultModel:     "gpt-4o",
		APIKeyEnv:        "OPENAI_API_KEY",
		OpenAICompatible: true,
		VisionModel:      "gpt-4o",
		ModelPrefixes:    []string{"gpt-", "o1", "o3", "o4-"},
	},
	ProviderAnthropic: {
		ID:            ProviderAnthropic,
		Name:          "Anthropic",
		DefaultModel:  "claude-3-5-sonnet-latest",
		APIKeyEnv:     "ANTHROPIC_API_KEY",
		VisionModel:   "claude-3-5-sonnet-latest",
		ModelPrefixes: []string{"claude-"},
	},
}

// Lookup returns the capability entry of id.
func Lookup(id ProviderID) (Capability, bool) {
	c, ok := capabilities[id]
	return c, ok
}

// ParseProviderID validates s as a known provider id.
func ParseProviderID(s string) (ProviderID, error) {
	id := ProviderID(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := capabilities[id]; !ok {
		return "", errorf("unknown provider %q", s)
	}
	return id, nil
}

// Providers returns all known provider ids in sorted order.
func Providers() []ProviderID {
	ids := make([]ProviderID, 0, len(capabilities))
	for id := range capabilities {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ResolveModel returns the provider serving model, matched against the
// ModelPrefixes of each capability entry.
func ResolveModel(model string) (Capability, bool) {
	lower := strings.ToLower(model)
	for _, id := range Providers() {
		c := capabilities[id]
		for _, p := range c.ModelPrefixes {
			if strings.HasPrefix(lower, p) {
				return c, true
			}
		}
	}
	return Capability{}, false
}

// EnvAPIKey returns the key from the provider's environment variable.
func (c Capability) EnvAPIKey() string {
	if c.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.APIKeyEnv)
}
