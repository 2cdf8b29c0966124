// Package classifier decides whether an inbound HTTP request targets a
// generative-AI provider and, if so, which provider, model and request type.
// Classification is a pure function of the request path and parsed body; it
// never fails. Unknown requests yield IsAIRequest == false.
package classifier

import "strings"

// Result is the per-request classification outcome. It is produced fresh
// for every request and never persisted.
type Result struct {
	IsAIRequest bool   `json:"is_ai_request"`
	Provider    string `json:"provider"`
	Model       string `json:"model"`
	RequestType string `json:"request_type"`
}

// Known providers, in match priority order.
const (
	ProviderOpenAI     = "openai"
	ProviderAnthropic  = "anthropic"
	ProviderPerplexity = "perplexity"
	ProviderGoogle     = "google"
	ProviderUnknown    = "unknown"
)

// Request types.
const (
	TypeChat          = "chat"
	TypeImage         = "image"
	TypeSearch        = "search"
	TypeTranscription = "transcription"
	TypeEmbedding     = "embedding"
	TypeVision        = "vision"
)

// aiParamKeys are body fields whose presence marks a request as an AI call
// even when neither path nor model give a provider away.
var aiParamKeys = []string{
	"prompt", "messages", "completion", "model",
	"temperature", "max_tokens", "top_p", "frequency_penalty",
	"presence_penalty", "stop", "stream",
}

// Classifier inspects requests against a static endpoint table. Construct
// one at startup and share it freely; it is immutable and safe for
// concurrent use.
type Classifier struct {
	endpoints []providerEndpoints
	defaults  map[string]string
}

// New returns a Classifier with the built-in provider endpoint table.
func New() *Classifier {
	return &Classifier{
		endpoints: defaultEndpoints,
		defaults:  defaultModels,
	}
}

// Classify determines whether the request addresses an AI provider.
// path is matched case-insensitively; body is the parsed JSON request body
// (nil is fine).
func (c *Classifier) Classify(path string, body map[string]any) Result {
	p := strings.ToLower(path)

	// 1. Path keyword match, fixed provider priority order.
	for _, pe := range c.endpoints {
		if !pe.matches(p) {
			continue
		}
		model := bodyModel(body)
		if model == "" {
			model = pe.inferModel(p, c.defaults[pe.provider])
		}
		return Result{
			IsAIRequest: true,
			Provider:    pe.provider,
			Model:       model,
			RequestType: pe.inferType(p, body),
		}
	}

	// 2. Model-family substring in the body overrides a non-matching path.
	if r, ok := classifyByBody(body); ok {
		return r
	}

	return Result{}
}

// IsKnownEndpoint reports whether the path contains a known AI endpoint
// prefix. Exposed for routing-table validation and diagnostics.
func (c *Classifier) IsKnownEndpoint(path string) bool {
	p := strings.ToLower(path)
	for _, pe := range c.endpoints {
		for _, prefix := range pe.paths {
			if strings.Contains(p, prefix) {
				return true
			}
		}
	}
	return false
}

func bodyModel(body map[string]any) string {
	if body == nil {
		return ""
	}
	if m, ok := body["model"].(string); ok {
		return m
	}
	return ""
}

// classifyByBody applies the body-only heuristics: a recognized model-family
// substring, then the generic AI-parameter signature.
func classifyByBody(body map[string]any) (Result, bool) {
	if body == nil {
		return Result{}, false
	}

	model := bodyModel(body)
	_, hasMessages := body["messages"]

	if hasMessages || strings.Contains(model, "gpt") {
		if model == "" {
			model = defaultModels[ProviderOpenAI]
		}
		return Result{IsAIRequest: true, Provider: ProviderOpenAI, Model: model, RequestType: TypeChat}, true
	}

	if strings.Contains(model, "claude") {
		return Result{IsAIRequest: true, Provider: ProviderAnthropic, Model: model, RequestType: TypeChat}, true
	}

	// Generic signature: any AI parameter key present.
	for _, key := range aiParamKeys {
		if _, ok := body[key]; ok {
			return Result{IsAIRequest: true, Provider: ProviderUnknown, Model: model, RequestType: TypeChat}, true
		}
	}

	return Result{}, false
}
