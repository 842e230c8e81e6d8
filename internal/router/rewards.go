package router

import (
	"github.com/otterflow/otterflow/internal/similarity"
	"github.com/otterflow/otterflow/internal/store"
)

// Reward values written to the bandit.
const (
	RewardRequery       = -1.0
	RewardManualSwitch  = -0.5
	RewardChosenUsed    = 1.0
	RewardChosenSkipped = -0.5
)

// Reward reasons, used in logs and metrics.
const (
	ReasonRequery       = "requery"
	ReasonManualSwitch  = "manual_switch"
	ReasonChosenUsed    = "chosen_used"
	ReasonChosenSkipped = "chosen_skipped"
)

// Correction is a reward to write for one (model, domain) pair of a user.
type Correction struct {
	Model  string
	Domain string
	Reward float64
	Reason string
}

// PriorCorrections derives rewards against the user's previous request from
// the new one. A query similar to the previous one penalizes the previous
// model by -1. Naming a manual model that differs from the previous model
// penalizes it by -0.5. Both may apply. The previous request's own domain is
// used when it was logged; otherwise currentDomain.
func PriorCorrections(prev *store.UsageLog, req RoutingRequest, currentDomain string, threshold float64) []Correction {
	if prev == nil || prev.ModelName == "" {
		return nil
	}
	domain := prev.Domain
	if domain == "" {
		domain = currentDomain
	}

	var out []Correction
	if similarity.AreSimilar(prev.Query, req.Query, threshold) {
		out = append(out, Correction{Model: prev.ModelName, Domain: domain, Reward: RewardRequery, Reason: ReasonRequery})
	}
	if req.Mode == ModeManual && req.Model != "" && req.Model != prev.ModelName {
		out = append(out, Correction{Model: prev.ModelName, Domain: domain, Reward: RewardManualSwitch, Reason: ReasonManualSwitch})
	}
	return out
}

// OutcomeCorrection rewards the bandit's choice after a successful request:
// +1 when it served the answer, -0.5 when fallback had to skip it.
func OutcomeCorrection(banditChoice, used, domain string) Correction {
	if banditChoice == used {
		return Correction{Model: banditChoice, Domain: domain, Reward: RewardChosenUsed, Reason: ReasonChosenUsed}
	}
	return Correction{Model: banditChoice, Domain: domain, Reward: RewardChosenSkipped, Reason: ReasonChosenSkipped}
}
