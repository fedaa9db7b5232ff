package kvcache

// StepStats reports the composition of one decode step's reconstruction
// set, the supplemented telemetry spec.md §8's quantified invariant
// ("the number of distinct positions consumed by attention equals
// |outliers| + |local tail| + S*C + decoded_so_far") is checked against.
type StepStats struct {
	Outliers   int
	LocalTail  int
	Indexed    int
	Generated  int
	TotalChunk int // count of distinct chunks selected by top-k, before padding
}

// Total returns the number of distinct positions in the reconstruction
// set this step materialised.
func (s StepStats) Total() int {
	return s.Outliers + s.LocalTail + s.Indexed + s.Generated
}
