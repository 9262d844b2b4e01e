package search

// Strategy is the query plan derived from the knowledge-base count and topK.
type Strategy struct {
	// UseParallel fans out one query per knowledge base.
	UseParallel bool `json:"useParallel"`

	// DistanceThreshold is the similarity bound for text queries. It tightens
	// when many knowledge bases are searched at once.
	DistanceThreshold float64 `json:"distanceThreshold"`

	// ParallelLimit caps each per-knowledge-base query in parallel mode.
	ParallelLimit int `json:"parallelLimit"`

	// SingleQueryOptimized marks searches over at most two knowledge bases.
	SingleQueryOptimized bool `json:"singleQueryOptimized"`
}

// PlanStrategy computes the query plan. It is pure and deterministic.
func PlanStrategy(kbCount, topK int) Strategy {
	s := Strategy{
		UseParallel:          kbCount > 4 || (kbCount > 2 && topK > 50),
		DistanceThreshold:    1.0,
		SingleQueryOptimized: kbCount <= 2,
	}
	if kbCount > 3 {
		s.DistanceThreshold = 0.8
	}
	if kbCount > 0 {
		// ceil(topK / kbCount) plus an overfetch margin of 5.
		s.ParallelLimit = (topK+kbCount-1)/kbCount + 5
	}
	return s
}
