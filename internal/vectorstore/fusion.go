package vectorstore

import "sort"

// fuseRRF merges ranked candidate lists with reciprocal rank fusion: each
// candidate scores the sum of 1/(rank+k) over the lists it appears in, with
// 1-based ranks. Ties are broken by first appearance, earlier lists first, so
// a dense/sparse tie resolves in favor of the dense ranking. The fused score
// is a rank aggregate and is not comparable to cosine similarity.
func fuseRRF(k int, lists ...[]SearchResult) []SearchResult {
	type fused struct {
		result SearchResult
		score  float32
		order  int // first-appearance index, used for stable tie-breaks
	}

	byID := make(map[string]*fused)
	var entries []*fused

	for _, list := range lists {
		for rank, result := range list {
			f, ok := byID[result.ID]
			if !ok {
				f = &fused{result: result, order: len(entries)}
				byID[result.ID] = f
				entries = append(entries, f)
			}
			f.score += 1.0 / float32(rank+1+k)
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].score != entries[j].score {
			return entries[i].score > entries[j].score
		}
		return entries[i].order < entries[j].order
	})

	results := make([]SearchResult, len(entries))
	for i, f := range entries {
		results[i] = f.result
		results[i].Score = f.score
	}
	return results
}
