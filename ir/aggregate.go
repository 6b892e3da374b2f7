package ir

import "github.com/tanstack/db-core/core"

// ApplyAggregate computes one aggregate's value over a flat slice of
// numbers (or, for count, just its length) extracted from a group's
// members. The compiler is responsible for extracting those numbers by
// evaluating agg.Arg against each member row.
//
// sum uses pairwise summation rather than a running left-to-right
// accumulator, and avg keeps its numerator and denominator separate until
// the final division, both to bound floating-point error growth.
func ApplyAggregate(agg AggregateName, values []float64) (any, error) {
	switch agg {
	case AggCount:
		return int64(len(values)), nil
	case AggSum:
		return pairwiseSum(values), nil
	case AggAvg:
		if len(values) == 0 {
			return nil, nil
		}
		return pairwiseSum(values) / float64(len(values)), nil
	case AggMin:
		if len(values) == 0 {
			return nil, nil
		}
		m := values[0]
		for _, v := range values[1:] {
			if v < m {
				m = v
			}
		}
		return m, nil
	case AggMax:
		if len(values) == 0 {
			return nil, nil
		}
		m := values[0]
		for _, v := range values[1:] {
			if v > m {
				m = v
			}
		}
		return m, nil
	default:
		return nil, core.WrapKind(core.KindQueryShape, "unknown aggregate "+string(agg), nil)
	}
}

// pairwiseSum sums values by recursively summing halves, bounding
// floating-point error growth to O(log n) instead of O(n) for a naive
// running total.
func pairwiseSum(values []float64) float64 {
	switch len(values) {
	case 0:
		return 0
	case 1:
		return values[0]
	default:
		mid := len(values) / 2
		return pairwiseSum(values[:mid]) + pairwiseSum(values[mid:])
	}
}
