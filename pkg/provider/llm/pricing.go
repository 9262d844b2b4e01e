package llm

// Pricing is the per-million-token rate of a model in USD.
type Pricing struct {
	Input  float64 `json:"input"`
	Output float64 `json:"output"`
}

// Cost is the price of one execution.
type Cost struct {
	Input   float64 `json:"input"`
	Output  float64 `json:"output"`
	Total   float64 `json:"total"`
	Pricing Pricing `json:"pricing"`
}

var pricing = map[string]Pricing{
	"moonshot-v1-8k":           {Input: 1.70, Output: 1.70},
	"moonshot-v1-32k":          {Input: 3.40, Output: 3.40},
	"moonshot-v1-128k":         {Input: 8.40, Output: 8.40},
	"kimi-k2-0711-preview":     {Input: 0.60, Output: 2.50},
	"qwen-turbo":               {Input: 0.05, Output: 0.20},
	"qwen-plus":                {Input: 0.40, Output: 1.20},
	"qwen-max":                 {Input: 1.60, Output: 6.40},
	"qwen-vl-plus":             {Input: 0.21, Output: 0.63},
	"gpt-4o":                   {Input: 2.50, Output: 10.00},
	"gpt-4o-mini":              {Input: 0.15, Output: 0.60},
	"gpt-4.1":                  {Input: 2.00, Output: 8.00},
	"claude-3-5-sonnet-latest": {Input: 3.00, Output: 15.00},
	"claude-3-5-haiku-latest":  {Input: 0.80, Output: 4.00},
}

// PricingFor returns the rate of model.
func PricingFor(model string) (Pricing, bool) {
	p, ok := pricing[model]
	return p, ok
}

// CalculateCost prices a call of model. It returns nil for models without a
// known rate.
func CalculateCost(model string, t Tokens) *Cost {
	p, ok := PricingFor(model)
	if !ok {
		return nil
	}
	in := float64(t.Prompt) / 1_000_000 * p.Input
	out := float64(t.Completion) / 1_000_000 * p.Output
	return &Cost{Input: in, Output: out, Total: in + out, Pricing: p}
}
