package gen

// FilterBatchSize is the compact filter batch size: batch boundaries fall on
// every multiple of it.
const FilterBatchSize = 5000

// BatchBoundaries computes the heights at which batch-boundary marker
// transactions must be placed between currentHeight and target.
//
// A marker goes one block below each multiple of FilterBatchSize, so the
// returned heights are boundary-1 for every multiple strictly above
// currentHeight, excluding any result outside (currentHeight, target). The
// result is strictly increasing with constant FilterBatchSize spacing except
// possibly the first gap.
func BatchBoundaries(currentHeight, target int64) []int64 {
	var boundaries []int64

	first := (currentHeight/FilterBatchSize + 1) * FilterBatchSize
	for b := first; b <= target; b += FilterBatchSize {
		height := b - 1
		if height > currentHeight && height < target {
			boundaries = append(boundaries, height)
		}
	}

	return boundaries
}
