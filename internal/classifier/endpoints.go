package classifier

import "strings"

// providerEndpoints holds the path keywords and type-inference rules for one
// provider. Order in defaultEndpoints is the match priority order and must
// stay fixed so classification is deterministic.
type providerEndpoints struct {
	provider string
	// keywords anywhere in the lowercased path claim the request.
	keywords []string
	// paths are the full known endpoint prefixes, used by IsKnownEndpoint.
	paths []string
	// typeOf infers the request type from path and body.
	typeOf func(path string, body map[string]any) string
	// modelOf infers a model from path keywords when the body has none.
	modelOf func(path string) string
}

func (pe providerEndpoints) matches(path string) bool {
	for _, kw := range pe.keywords {
		if strings.Contains(path, kw) {
			return true
		}
	}
	return false
}

func (pe providerEndpoints) inferType(path string, body map[string]any) string {
	if pe.typeOf != nil {
		return pe.typeOf(path, body)
	}
	return TypeChat
}

func (pe providerEndpoints) inferModel(path, fallback string) string {
	if pe.modelOf != nil {
		if m := pe.modelOf(path); m != "" {
			return m
		}
	}
	return fallback
}

var defaultModels = map[string]string{
	ProviderOpenAI:     "gpt-4",
	ProviderAnthropic:  "claude-3-sonnet",
	ProviderPerplexity: "pplx-7b-online",
	ProviderGoogle:     "gemini-pro",
}

var defaultEndpoints = []providerEndpoints{
	{
		provider: ProviderOpenAI,
		keywords: []string{"/openai", "/chatgpt"},
		paths: []string{
			"/api/ai/openai",
			"/api/ai/chatgpt",
		},
		typeOf: func(path string, body map[string]any) string {
			switch {
			case strings.Contains(path, "chat"), strings.Contains(path, "completion"):
				return TypeChat
			case strings.Contains(path, "image"), strings.Contains(path, "dall-e"):
				return TypeImage
			case strings.Contains(path, "transcrib"), strings.Contains(path, "whisper"):
				return TypeTranscription
			case strings.Contains(path, "embedding"):
				return TypeEmbedding
			}
			if body != nil {
				if _, ok := body["messages"]; ok {
					return TypeChat
				}
				if _, ok := body["prompt"]; ok {
					return TypeChat
				}
				if in, ok := body["input"].(string); ok && in != "" {
					return TypeEmbedding
				}
			}
			return TypeChat
		},
		modelOf: func(path string) string {
			switch {
			case strings.Contains(path, "gpt-4"):
				return "gpt-4"
			case strings.Contains(path, "gpt-3.5"), strings.Contains(path, "turbo"):
				return "gpt-3.5-turbo"
			case strings.Contains(path, "dall-e"), strings.Contains(path, "image"):
				return "dall-e-3"
			case strings.Contains(path, "whisper"), strings.Contains(path, "transcrib"):
				return "whisper-1"
			}
			return ""
		},
	},
	{
		provider: ProviderAnthropic,
		keywords: []string{"/anthropic", "/claude"},
		paths: []string{
			"/api/ai/anthropic",
			"/api/ai/claude",
		},
		typeOf: func(path string, body map[string]any) string {
			if strings.Contains(path, "vision") {
				return TypeVision
			}
			if body != nil {
				if _, ok := body["images"]; ok {
					return TypeVision
				}
			}
			return TypeChat
		},
		modelOf: func(path string) string {
			switch {
			case strings.Contains(path, "opus"):
				return "claude-3-opus"
			case strings.Contains(path, "sonnet"):
				return "claude-3-sonnet"
			case strings.Contains(path, "haiku"):
				return "claude-3-haiku"
			}
			return ""
		},
	},
	{
		provider: ProviderPerplexity,
		keywords: []string{"/perplexity", "/search"},
		paths: []string{
			"/api/ai/perplexity",
			"/api/ai/search",
		},
		typeOf: func(string, map[string]any) string { return TypeSearch },
	},
	{
		provider: ProviderGoogle,
		keywords: []string{"/gemini", "/google"},
		paths: []string{
			"/api/ai/gemini",
			"/api/ai/google",
		},
		typeOf: func(path string, body map[string]any) string {
			if strings.Contains(path, "vision") {
				return TypeVision
			}
			if body != nil {
				if _, ok := body["images"]; ok {
					return TypeVision
				}
			}
			if strings.Contains(path, "embedding") {
				return TypeEmbedding
			}
			return TypeChat
		},
	},
}
