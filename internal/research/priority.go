package research

// Factor weights for CalculateTaskPriority.
const (
	weightCuriosity           = 0.20
	weightConnectionPotential = 0.15
	weightFoundationRelevance = 0.15
	weightUserRelevance       = 0.10
	weightRecency             = 0.08
	weightGraphBalance        = 0.07

	weightSelfDirected          = 0.10
	weightGrowthRelevance       = 0.08
	weightOpinionStrengthening  = 0.04
	weightObservationValidation = 0.03
)

// Boost multipliers.
const (
	boostDeepening     = 1.1
	boostWellConnected = 1.1
	boostUnblocks      = 1.3
	boostRecentContext = 1.2
	wellConnectedLimit = 10
)

// PriorityFlags are the situational inputs to CalculateTaskPriority.
type PriorityFlags struct {
	SourceConnections int  // total connections of the source page
	UnblocksOthers    bool // completing the task unblocks other tasks
	RecentContext     bool // relevant to very recent context
}

// CalculateTaskPriority combines rationale factors and boosts into a
// priority in [0,1]. It is a pure function of its inputs.
func CalculateTaskPriority(typ TaskType, r Rationale, f PriorityFlags) float64 {
	p := weightCuriosity*clamp01(r.Curiosity) +
		weightConnectionPotential*clamp01(r.ConnectionPotential) +
		weightFoundationRelevance*clamp01(r.FoundationRelevance) +
		weightUserRelevance*clamp01(r.UserRelevance) +
		weightRecency*clamp01(r.Recency) +
		weightGraphBalance*clamp01(r.GraphBalance) +
		weightSelfDirected*clamp01(r.SelfDirectedCuriosity) +
		weightGrowthRelevance*clamp01(r.GrowthRelevance) +
		weightOpinionStrengthening*clamp01(r.OpinionStrengthening) +
		weightObservationValidation*clamp01(r.ObservationValidation)

	if typ == TypeDeepening {
		p *= boostDeepening
	}
	if f.SourceConnections > wellConnectedLimit {
		p *= boostWellConnected
	}
	if f.UnblocksOthers {
		p *= boostUnblocks
	}
	if f.RecentContext {
		p *= boostRecentContext
	}
	return clamp01(p)
}

func clamp01(v float64) float64 {
	if v != v || v < 0 { // NaN or negative
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
