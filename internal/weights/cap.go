package weights

// capTolerance absorbs float error so a share equal to the cap is not
// treated as over it.
const capTolerance = 1e-12

// ApplyCap limits every non-burn identity to capShare of the total. Excess is
// redistributed to uncapped identities in proportion to their current
// weight, repeating until nothing exceeds the cap. Excess that cannot be
// placed, because every identity is capped or the rest hold zero weight, goes
// to the burn identity. The total is unchanged.
func ApplyCap(d Distribution, capShare float64, burn string) Distribution {
	out := make(Distribution, len(d))
	for id, w := range d {
		out[id] = w
	}
	ids := out.Identities()
	capped := make(map[string]bool)

	for round := 0; round <= len(ids); round++ {
		var excess float64
		for _, id := range ids {
			if id == burn || capped[id] {
				continue
			}
			if out[id] > capShare+capTolerance {
				excess += out[id] - capShare
				out[id] = capShare
				capped[id] = true
			}
		}
		if excess == 0 {
			break
		}

		var uncappedTotal float64
		for _, id := range ids {
			if id != burn && !capped[id] {
				uncappedTotal += out[id]
			}
		}
		if uncappedTotal == 0 {
			out[burn] += excess
			break
		}
		for _, id := range ids {
			if id != burn && !capped[id] {
				out[id] += excess * out[id] / uncappedTotal
			}
		}
	}
	return out
}
