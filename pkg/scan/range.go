package scan

import "fmt"

// BlockRange is an inclusive block range.
type BlockRange struct {
	From uint64
	To   uint64
}

// SplitRange splits [from, to] into batches of at most batchSize blocks so a
// single getLogs query never exceeds the provider's range limit.
func SplitRange(from, to, batchSize uint64) ([]BlockRange, error) {
	if batchSize == 0 {
		return nil, fmt.Errorf("batch size must be greater than zero")
	}
	if to < from {
		return nil, fmt.Errorf("to block %d must be >= from block %d", to, from)
	}

	ranges := make([]BlockRange, 0, (to-from)/batchSize+1)
	start := from
	for start <= to {
		end := to
		if remaining := to - start + 1; remaining > batchSize {
			end = start + batchSize - 1
		}
		ranges = append(ranges, BlockRange{From: start, To: end})
		if end == to {
			break
		}
		start = end + 1
	}

	return ranges, nil
}
