package events

import "encoding/json"

// Step names emitted while one request is routed, in emission order.
const (
	StepSelectionMode  = "selection-mode"
	StepTopCandidates  = "top-candidates"
	StepCostAndLatency = "cost-and-latency"
	StepEnd            = "end"
	StepError          = "error"
)

// Step is one element of a request's routing stream. The final answer is a
// Step with no name carrying FinalResponse, ModelUsed and Domain.
type Step struct {
	Step          string       `json:"step,omitempty"`
	Mode          string       `json:"mode,omitempty"`
	SelectionMode string       `json:"selection_mode,omitempty"`
	Models        []StepModel  `json:"models,omitempty"`
	Metrics       *StepMetrics `json:"metrics,omitempty"`
	FinalResponse string       `json:"final_response,omitempty"`
	ModelUsed     string       `json:"model_used,omitempty"`
	Domain        string       `json:"domain,omitempty"`
	Error         string       `json:"error,omitempty"`
}

type StepModel struct {
	Name       string  `json:"model_name"`
	License    string  `json:"license"`
	FinalScore float64 `json:"final_score"`
}

type StepMetrics struct {
	Cost             float64 `json:"cost"`
	LatencyMs        float64 `json:"latency_ms"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	Attempts         int     `json:"attempts"`
}

// JSON returns the step as a JSON byte slice.
func (s Step) JSON() []byte {
	b, _ := json.Marshal(s)
	return b
}

// Emitter receives steps as they happen.
type Emitter func(Step)

// Discard is an Emitter that drops every step.
func Discard(Step) {}
