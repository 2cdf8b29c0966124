package estimator

// Rate holds the cost per 1000 tokens for a (provider, model) pair. For
// image models Input is the flat per-image price; Output is unused.
type Rate struct {
	InputPerThousand  float64 `json:"input_per_thousand"`
	OutputPerThousand float64 `json:"output_per_thousand"`
}

// charsPerTokenMultiplier approximates tokens from character counts per
// provider. These are heuristics, not tokenizer output.
var charsPerTokenMultiplier = map[string]float64{
	ProviderOpenAI:     0.75,
	ProviderGoogle:     0.75,
	ProviderAnthropic:  0.8,
	ProviderPerplexity: 1.0,
}

// DefaultRates returns the built-in provider x model rate table in USD.
// Callers own the returned map and may layer overrides on top before
// constructing the Estimator.
func DefaultRates() map[string]map[string]Rate {
	return map[string]map[string]Rate{
		ProviderOpenAI: {
			"gpt-4":         {InputPerThousand: 0.03, OutputPerThousand: 0.06},
			"gpt-4o":        {InputPerThousand: 0.005, OutputPerThousand: 0.015},
			"gpt-4o-mini":   {InputPerThousand: 0.00015, OutputPerThousand: 0.0006},
			"gpt-3.5-turbo": {InputPerThousand: 0.0005, OutputPerThousand: 0.0015},
			"dall-e-3":      {InputPerThousand: 0.04, OutputPerThousand: 0.08},
			"whisper-1":     {InputPerThousand: 0.006},
		},
		ProviderAnthropic: {
			"claude-3-opus":   {InputPerThousand: 0.015, OutputPerThousand: 0.075},
			"claude-3-sonnet": {InputPerThousand: 0.003, OutputPerThousand: 0.015},
			"claude-3-haiku":  {InputPerThousand: 0.00025, OutputPerThousand: 0.00125},
		},
		ProviderPerplexity: {
			"pplx-7b-online":                      {InputPerThousand: 0.0002, OutputPerThousand: 0.0002},
			"llama-3.1-sonar-small-128k-online":   {InputPerThousand: 0.0002, OutputPerThousand: 0.0002},
			"llama-3.1-sonar-large-128k-online":   {InputPerThousand: 0.001, OutputPerThousand: 0.001},
		},
		ProviderGoogle: {
			"gemini-pro": {InputPerThousand: 0.000125, OutputPerThousand: 0.000375},
		},
	}
}

// perImageRates are flat per-image prices used for image-type requests when
// the model itself has no rate entry. OpenAI image generation costs more
// than the other providers.
var perImageRates = map[string]float64{
	ProviderOpenAI:     0.04,
	ProviderAnthropic:  0.02,
	ProviderPerplexity: 0.02,
	ProviderGoogle:     0.02,
}

// transcriptionRatePerThousand is the flat per-1000-token price applied to
// duration-derived transcription estimates.
const transcriptionRatePerThousand = 0.006
