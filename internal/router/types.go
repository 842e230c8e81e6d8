package router

// Mode selects how a request picks its model.
type Mode string

const (
	ModeAuto   Mode = "auto"
	ModeManual Mode = "manual"
)

// Prompt is the provider-agnostic request handed to an adapter.
type Prompt struct {
	Query       string  `json:"query"`
	System      string  `json:"system,omitempty"`
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	// JSONOutput asks the provider for a JSON object response when supported.
	JSONOutput bool `json:"json_output,omitempty"`
}

// Completion is the common record every adapter normalizes its response into.
type Completion struct {
	Text             string `json:"output_text"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
	Provider         string `json:"provider_tag"`
}

// Constraints are optional hard limits on catalog-normalized metrics.
type Constraints struct {
	CostMax *float64 `json:"cost_max,omitempty"`
	PerfMin *float64 `json:"perf_min,omitempty"`
	LatMax  *float64 `json:"lat_max,omitempty"`
}

// Priorities are the caller's integer preferences, 5 each by default.
type Priorities struct {
	Cost     int `json:"cost"`
	Accuracy int `json:"accuracy"`
	Latency  int `json:"latency"`
}

// DefaultPriorities weighs cost, accuracy and latency equally.
var DefaultPriorities = Priorities{Cost: 5, Accuracy: 5, Latency: 5}

// Weights are the α, β, γ coefficients of the ranking score.
type Weights struct {
	Cost        float64 `json:"cost"`
	Performance float64 `json:"performance"`
	Latency     float64 `json:"latency"`
}

// Weights converts priorities into fractions of their total. A zero total is
// treated as 1 so all weights come out zero instead of NaN.
func (p Priorities) Weights() Weights {
	total := float64(p.Cost + p.Accuracy + p.Latency)
	if total == 0 {
		total = 1.0
	}
	return Weights{
		Cost:        float64(p.Cost) / total,
		Performance: float64(p.Accuracy) / total,
		Latency:     float64(p.Latency) / total,
	}
}

// RoutingRequest is one caller request. It lives only for the request.
type RoutingRequest struct {
	RequestID   string
	UserID      string
	Query       string
	Mode        Mode
	Model       string // manual mode only
	Priorities  Priorities
	Constraints Constraints
}

// ScoredCandidate is a ranked catalog entry. Cost, Performance and Latency
// are the catalog-normalized values; the raw prices are carried unmodified
// for billing.
type ScoredCandidate struct {
	Name          string  `json:"model_name"`
	License       string  `json:"license"`
	FinalScore    float64 `json:"final_score"`
	Cost          float64 `json:"cost"`
	Performance   float64 `json:"performance"`
	Latency       float64 `json:"latency"`
	InputCostRaw  float64 `json:"input_cost_raw"`
	OutputCostRaw float64 `json:"output_cost_raw"`
	TopP          float64 `json:"top_p"`
	Temperature   float64 `json:"temperature"`
}

// Outcome is the result of a completed routing request.
type Outcome struct {
	RequestID     string            `json:"request_id"`
	UserID        string            `json:"user_id"`
	Mode          Mode              `json:"mode"`
	SelectionMode SelectionMode     `json:"selection_mode"`
	Model         string            `json:"model"`
	Provider      string            `json:"provider"`
	Domain        string            `json:"domain"`
	BanditChoice  string            `json:"bandit_choice,omitempty"`
	Output        string            `json:"output"`
	Candidates    []ScoredCandidate `json:"candidates,omitempty"`
	Attempts      int               `json:"attempts"`

	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	LatencyMs        float64 `json:"latency_ms"`
	Cost             float64 `json:"cost"`

	Priorities Priorities `json:"priorities"`
	Weights    Weights    `json:"weights"`
}
