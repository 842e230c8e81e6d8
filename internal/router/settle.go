package router

// DefaultMarkup is applied on top of provider cost when charging wallets.
const DefaultMarkup = 1.15

// Tokenizer counts tokens the same way for every model so charges are
// comparable across providers.
type Tokenizer interface {
	Count(text string) int
}

// Charge is the settlement for one completed request.
type Charge struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	BaseCost     float64 `json:"base_cost"`
	Total        float64 `json:"total"`
}

// BaseCost prices token counts with the candidate's own per-million prices.
func BaseCost(c ScoredCandidate, inputTokens, outputTokens int) float64 {
	return c.InputCostRaw/1e6*float64(inputTokens) + c.OutputCostRaw/1e6*float64(outputTokens)
}

// ComputeCharge tokenizes query and output and applies markup to the base cost.
func ComputeCharge(tk Tokenizer, c ScoredCandidate, query, output string, markup float64) Charge {
	if markup <= 0 {
		markup = DefaultMarkup
	}
	in, out := tk.Count(query), tk.Count(output)
	base := BaseCost(c, in, out)
	return Charge{InputTokens: in, OutputTokens: out, BaseCost: base, Total: base * markup}
}
