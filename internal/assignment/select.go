package assignment

import "sort"

// Validator is a member of the validator set with its stake.
type Validator struct {
	Identity string `json:"identity"`
	Stake    uint64 `json:"stake"`
}

// normalizePool dedupes pool by identity, drops excluded identities and sorts
// the result by identity so selection never depends on input order.
func normalizePool(pool []Validator, exclude map[string]bool) []Validator {
	seen := make(map[string]bool, len(pool))
	out := make([]Validator, 0, len(pool))
	for _, v := range pool {
		if v.Identity == "" || seen[v.Identity] || exclude[v.Identity] {
			continue
		}
		seen[v.Identity] = true
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

// Select draws up to n distinct validators from pool, weighted by stake and
// without replacement, using seed's counter-based sequence. When the
// remaining stake is zero the draw is uniform over the remaining validators.
func Select(seed Seed, pool []Validator, n int, exclude map[string]bool) []string {
	remaining := normalizePool(pool, exclude)
	picked := make([]string, 0, n)

	for k := uint64(0); len(picked) < n && len(remaining) > 0; k++ {
		r := seed.draw(k)
		var total uint64
		for _, v := range remaining {
			total += v.Stake
		}

		idx := 0
		if total == 0 {
			idx = int(r % uint64(len(remaining)))
		} else {
			target := r % total
			var acc uint64
			for i, v := range remaining {
				acc += v.Stake
				if target < acc {
					idx = i
					break
				}
			}
		}
		picked = append(picked, remaining[idx].Identity)
		remaining = append(remaining[:idx], remaining[idx+1:]...)
	}
	return picked
}
