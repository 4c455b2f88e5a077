package provider

import "strings"

// Claude pricing in USD per million tokens. Cache writes are billed at two
// rates depending on the ephemeral TTL the CLI requested.
type claudeRates struct {
	input        float64
	output       float64
	cacheRead    float64
	cacheWrite5m float64
	cacheWrite1h float64
}

var (
	opusRates   = claudeRates{input: 15, output: 75, cacheRead: 1.50, cacheWrite5m: 18.75, cacheWrite1h: 30}
	sonnetRates = claudeRates{input: 3, output: 15, cacheRead: 0.30, cacheWrite5m: 3.75, cacheWrite1h: 6}
	haikuRates  = claudeRates{input: 0.80, output: 4, cacheRead: 0.08, cacheWrite5m: 1, cacheWrite1h: 1.60}
)

// claudeRatesFor picks the rate tier by substring match on the model
// string. Unknown models are priced as Sonnet.
func claudeRatesFor(model string) claudeRates {
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "opus"):
		return opusRates
	case strings.Contains(m, "haiku"):
		return haikuRates
	default:
		return sonnetRates
	}
}

// claudeCost prices a single message's usage. write5m/write1h are the
// ephemeral cache-creation splits; if the transcript predates the split the
// caller passes the whole cache_creation_input_tokens as write1h.
func claudeCost(model string, input, output, cacheRead, write5m, write1h int64) float64 {
	r := claudeRatesFor(model)
	const m = 1_000_000
	return float64(input)*r.input/m +
		float64(output)*r.output/m +
		float64(cacheRead)*r.cacheRead/m +
		float64(write5m)*r.cacheWrite5m/m +
		float64(write1h)*r.cacheWrite1h/m
}

// Codex (OpenAI) pricing per million tokens. Cached input is a discounted
// subset of input and billed separately.
type codexRates struct {
	input       float64
	cachedInput float64
	output      float64
}

var (
	gpt52Rates = codexRates{input: 1.25, cachedInput: 0.125, output: 10}
	gpt4oRates = codexRates{input: 2.50, cachedInput: 1.25, output: 10}
)

func codexRatesFor(model string) codexRates {
	m := strings.ToLower(model)
	if strings.Contains(m, "5.2") || strings.Contains(m, "gpt-5") {
		return gpt52Rates
	}
	return gpt4oRates
}

// codexCost prices cumulative session usage. cached must be a subset of
// input; the non-cached remainder is billed at the full input rate.
func codexCost(model string, input, cached, output int64) float64 {
	r := codexRatesFor(model)
	const m = 1_000_000
	nonCached := input - cached
	if nonCached < 0 {
		nonCached = 0
	}
	return float64(nonCached)*r.input/m +
		float64(cached)*r.cachedInput/m +
		float64(output)*r.output/m
}
