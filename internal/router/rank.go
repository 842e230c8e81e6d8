package router

import (
	"sort"

	"github.com/otterflow/otterflow/internal/store"
)

// DefaultTopK is the number of candidates Rank returns by default.
const DefaultTopK = 3

// Rank filters the catalog by the hard constraints, re-normalizes cost,
// performance and latency over the survivors, and returns the topK
// candidates by descending score. Ties keep catalog order. Models missing
// any normalized metric are skipped. An empty result is not an error.
func Rank(catalog []store.ModelRecord, c Constraints, w Weights, topK int) []ScoredCandidate {
	if topK <= 0 {
		topK = DefaultTopK
	}

	var survivors []store.ModelRecord
	for _, m := range catalog {
		if m.Cost == nil || m.Performance == nil || m.Latency == nil {
			continue
		}
		if c.CostMax != nil && *m.Cost > *c.CostMax {
			continue
		}
		if c.PerfMin != nil && *m.Performance < *c.PerfMin {
			continue
		}
		if c.LatMax != nil && *m.Latency > *c.LatMax {
			continue
		}
		survivors = append(survivors, m)
	}
	if len(survivors) == 0 {
		return nil
	}

	costs := make([]float64, len(survivors))
	perfs := make([]float64, len(survivors))
	lats := make([]float64, len(survivors))
	for i, m := range survivors {
		costs[i], perfs[i], lats[i] = *m.Cost, *m.Performance, *m.Latency
	}
	costN, perfN, latN := minMax(costs), minMax(perfs), minMax(lats)

	out := make([]ScoredCandidate, len(survivors))
	for i, m := range survivors {
		out[i] = ScoredCandidate{
			Name:          m.Name,
			License:       m.License,
			FinalScore:    Score(w, costN[i], perfN[i], latN[i]),
			Cost:          *m.Cost,
			Performance:   *m.Performance,
			Latency:       *m.Latency,
			InputCostRaw:  m.InputCostRaw,
			OutputCostRaw: m.OutputCostRaw,
			TopP:          m.TopP,
			Temperature:   m.Temperature,
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].FinalScore > out[j].FinalScore })

	if len(out) > topK {
		out = out[:topK]
	}
	return out
}

// Score is the weighted linear score for normalized metrics. Cost and
// latency are inverted so that lower is better.
func Score(w Weights, costNorm, perfNorm, latNorm float64) float64 {
	return w.Cost*(1-costNorm) + w.Performance*perfNorm + w.Latency*(1-latNorm)
}

// minMax scales values to [0,1]. When every value is equal the result is
// all zeros.
func minMax(vals []float64) []float64 {
	lo, hi := vals[0], vals[0]
	for _, v := range vals[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	out := make([]float64, len(vals))
	if hi == lo {
		return out
	}
	for i, v := range vals {
		out[i] = (v - lo) / (hi - lo)
	}
	return out
}

// CandidateFromModel wraps a single catalog entry for manual dispatch.
func CandidateFromModel(m store.ModelRecord) ScoredCandidate {
	c := ScoredCandidate{
		Name:          m.Name,
		License:       m.License,
		InputCostRaw:  m.InputCostRaw,
		OutputCostRaw: m.OutputCostRaw,
		TopP:          m.TopP,
		Temperature:   m.Temperature,
	}
	if m.Cost != nil {
		c.Cost = *m.Cost
	}
	if m.Performance != nil {
		c.Performance = *m.Performance
	}
	if m.Latency != nil {
		c.Latency = *m.Latency
	}
	return c
}
