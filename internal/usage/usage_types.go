package usage

// UsageData is the root structure persisted to the usage ledger.
type UsageData struct {
	Version   string          `json:"version"`
	Aggregate AggregatedStats `json:"aggregate"`
}

// AggregatedStats holds counters broken down by various dimensions.
type AggregatedStats struct {
	TotalProject TokenCounts            `json:"total_project"`
	ByModel      map[string]TokenCounts `json:"by_model"`
	ByOperation  map[string]TokenCounts `json:"by_operation"` // search, extract_findings, ...
	ByTree       map[string]TokenCounts `json:"by_tree"`
}

// TokenCounts holds input/output sums plus the estimated spend.
type TokenCounts struct {
	Input  int64   `json:"input"`
	Output int64   `json:"output"`
	Total  int64   `json:"total"`
	Calls  int64   `json:"calls,omitempty"`
	Cost   float64 `json:"cost_est_usd,omitempty"`
}

// Add folds one call's token counts into the counter.
func (tc *TokenCounts) Add(input, output int) {
	tc.Input += int64(input)
	tc.Output += int64(output)
	tc.Total += int64(input + output)
	tc.Calls++
}

// AddCost accumulates an estimated dollar cost alongside the token counts.
func (tc *TokenCounts) AddCost(cost float64) {
	tc.Cost += cost
}

// ModelPricing holds per-million-token USD rates for a model.
type ModelPricing struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// pricing covers the models deepNERD is normally configured with. Unknown
// models fall back to the default entry so cost estimates stay conservative
// rather than silently zero.
var pricing = map[string]ModelPricing{
	"gemini-3-flash-preview": {InputPerMillion: 0.50, OutputPerMillion: 3.00},
	"gemini-2.5-flash":       {InputPerMillion: 0.30, OutputPerMillion: 2.50},
	"gemini-2.5-pro":         {InputPerMillion: 1.25, OutputPerMillion: 10.00},
	"gemini-embedding-001":   {InputPerMillion: 0.15, OutputPerMillion: 0},
}

var defaultPricing = ModelPricing{InputPerMillion: 0.50, OutputPerMillion: 3.00}

// EstimateCost returns the estimated USD cost for a single call.
func EstimateCost(model string, inputTokens, outputTokens int) float64 {
	p, ok := pricing[model]
	if !ok {
		p = defaultPricing
	}
	return float64(inputTokens)/1e6*p.InputPerMillion +
		float64(outputTokens)/1e6*p.OutputPerMillion
}
