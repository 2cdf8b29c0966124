// Package estimator computes approximate token counts and monetary cost for
// metered AI calls. Token counts are derived from character lengths with a
// per-provider multiplier; they are a documented heuristic, not real
// tokenizer output. Estimation is pure, deterministic and never fails:
// missing or empty inputs produce zero-token usage.
package estimator

import (
	"math"
	"unicode/utf8"
)

// Provider names the estimator knows multipliers for. They mirror the
// classifier's provider identifiers.
const (
	ProviderOpenAI     = "openai"
	ProviderAnthropic  = "anthropic"
	ProviderPerplexity = "perplexity"
	ProviderGoogle     = "google"
)

// Request types with dedicated estimation rules.
const (
	TypeChat          = "chat"
	TypeImage         = "image"
	TypeSearch        = "search"
	TypeTranscription = "transcription"
)

// imageTokenEstimate is the fixed token attribution for one generated image.
const imageTokenEstimate = 1000

// tokensPerAudioMinute converts transcription duration to a token estimate.
const tokensPerAudioMinute = 150

// Payload carries the request/response material usage is estimated from.
// Fill only the fields relevant to the request type.
type Payload struct {
	// Prompt is the request-side text (prompt, message, query or raw input).
	Prompt string
	// Completion is the response-side text. Empty for image requests.
	Completion string
	// DurationMinutes is the audio length for transcription requests.
	DurationMinutes float64
}

// Usage is the estimation outcome. TotalTokens == PromptTokens +
// CompletionTokens for text types; image and transcription estimates are
// attributed entirely to PromptTokens by convention.
type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	EstimatedCost    float64 `json:"estimated_cost"`
}

// Estimator holds the immutable rate table. Construct one at startup with
// New and share it across goroutines.
type Estimator struct {
	rates map[string]map[string]Rate
}

// New creates an Estimator over the given provider x model rate table.
// Pass DefaultRates() unless the deployment overrides pricing.
func New(rates map[string]map[string]Rate) *Estimator {
	if rates == nil {
		rates = DefaultRates()
	}
	return &Estimator{rates: rates}
}

// Estimate computes token usage and cost for one completed AI call.
// override, when non-nil, takes precedence over the static rate table.
// Unknown models yield zero cost with tokens still reported.
func (e *Estimator) Estimate(requestType string, payload Payload, provider, model string, override *Rate) Usage {
	switch requestType {
	case TypeImage:
		return e.estimateImage(provider, model, override)
	case TypeTranscription:
		return e.estimateTranscription(payload.DurationMinutes, provider, model, override)
	case TypeChat, TypeSearch:
		return e.estimateText(payload.Prompt, payload.Completion, provider, model, override)
	default:
		// Unrecognized types fall back to the chat rule over whatever
		// input/output text the caller extracted.
		return e.estimateText(payload.Prompt, payload.Completion, provider, model, override)
	}
}

// EstimateTokens returns the heuristic token count for text under the given
// provider's multiplier.
func (e *Estimator) EstimateTokens(text, provider string) int {
	if text == "" {
		return 0
	}
	mult, ok := charsPerTokenMultiplier[provider]
	if !ok {
		mult = charsPerTokenMultiplier[ProviderOpenAI]
	}
	return int(math.Ceil(float64(utf8.RuneCountInString(text)) * mult))
}

// IsModelSupported reports whether the rate table can price the pair.
// Callers use this to warn on unknown models without failing the estimate.
func (e *Estimator) IsModelSupported(provider, model string) bool {
	models, ok := e.rates[provider]
	if !ok {
		return false
	}
	_, ok = models[model]
	return ok
}

func (e *Estimator) estimateText(prompt, completion, provider, model string, override *Rate) Usage {
	promptTokens := e.EstimateTokens(prompt, provider)
	completionTokens := e.EstimateTokens(completion, provider)

	rate, ok := e.resolveRate(provider, model, override)
	var cost float64
	if ok {
		cost = float64(promptTokens)/1000*rate.InputPerThousand +
			float64(completionTokens)/1000*rate.OutputPerThousand
	}

	return Usage{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
		EstimatedCost:    roundCost(cost),
	}
}

func (e *Estimator) estimateImage(provider, model string, override *Rate) Usage {
	// Image generation is not token-priced: the token figure is a fixed
	// accounting estimate, the cost is a flat per-image rate.
	var cost float64
	switch {
	case override != nil:
		cost = override.InputPerThousand
	default:
		if rate, ok := e.lookupRate(provider, model); ok {
			cost = rate.InputPerThousand
		} else if perImage, ok := perImageRates[provider]; ok {
			cost = perImage
		} else {
			cost = perImageRates[ProviderOpenAI]
		}
	}

	return Usage{
		PromptTokens:  imageTokenEstimate,
		TotalTokens:   imageTokenEstimate,
		EstimatedCost: roundCost(cost),
	}
}

func (e *Estimator) estimateTranscription(durationMinutes float64, provider, model string, override *Rate) Usage {
	if durationMinutes < 0 {
		durationMinutes = 0
	}
	tokens := int(math.Ceil(durationMinutes * tokensPerAudioMinute))

	ratePerThousand := transcriptionRatePerThousand
	if override != nil {
		ratePerThousand = override.InputPerThousand
	} else if rate, ok := e.lookupRate(provider, model); ok {
		ratePerThousand = rate.InputPerThousand
	}

	return Usage{
		PromptTokens:  tokens,
		TotalTokens:   tokens,
		EstimatedCost: roundCost(float64(tokens) / 1000 * ratePerThousand),
	}
}

// resolveRate applies the cost resolution order: override, then the static
// table. ok is false when neither can price the pair.
func (e *Estimator) resolveRate(provider, model string, override *Rate) (Rate, bool) {
	if override != nil {
		return *override, true
	}
	return e.lookupRate(provider, model)
}

func (e *Estimator) lookupRate(provider, model string) (Rate, bool) {
	models, ok := e.rates[provider]
	if !ok {
		return Rate{}, false
	}
	rate, ok := models[model]
	return rate, ok
}

// roundCost rounds to 5 decimal places, the ledger's cost precision.
func roundCost(c float64) float64 {
	return math.Round(c*100000) / 100000
}
