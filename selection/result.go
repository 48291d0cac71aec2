package selection

import "sort"

// CardSelectionResult holds the smart cards of the matching selections by
// selection index. The active selection is the last one that matched.
type CardSelectionResult struct {
	smartCards  map[int]SmartCard
	activeIndex int
}

func newCardSelectionResult() *CardSelectionResult {
	return &CardSelectionResult{smartCards: make(map[int]SmartCard), activeIndex: -1}
}

func (r *CardSelectionResult) add(index int, smartCard SmartCard) {
	r.smartCards[index] = smartCard
	if index > r.activeIndex {
		r.activeIndex = index
	}
}

func (r *CardSelectionResult) SmartCards() map[int]SmartCard {
	out := make(map[int]SmartCard, len(r.smartCards))
	for index, smartCard := range r.smartCards {
		out[index] = smartCard
	}
	return out
}

// MatchedIndexes returns the indexes of the matching selections in order.
func (r *CardSelectionResult) MatchedIndexes() []int {
	indexes := make([]int, 0, len(r.smartCards))
	for index := range r.smartCards {
		indexes = append(indexes, index)
	}
	sort.Ints(indexes)
	return indexes
}

// ActiveSelectionIndex is -1 when nothing matched.
func (r *CardSelectionResult) ActiveSelectionIndex() int {
	return r.activeIndex
}

// ActiveSmartCard is nil when nothing matched.
func (r *CardSelectionResult) ActiveSmartCard() SmartCard {
	return r.smartCards[r.activeIndex]
}
