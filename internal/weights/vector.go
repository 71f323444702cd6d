package weights

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Entry is one identity's integer weight.
type Entry struct {
	Identity string `json:"identity"`
	Weight   uint16 `json:"weight"`
}

// Vector is the finalized weight vector, sorted by identity. Zero weights are
// omitted.
type Vector struct {
	Entries []Entry `json:"entries"`
}

// Sum returns the total of all weights.
func (v Vector) Sum() uint64 {
	var sum uint64
	for _, e := range v.Entries {
		sum += uint64(e.Weight)
	}
	return sum
}

// Get returns the weight of identity, zero if absent.
func (v Vector) Get(identity string) uint16 {
	i := sort.Search(len(v.Entries), func(i int) bool { return v.Entries[i].Identity >= identity })
	if i < len(v.Entries) && v.Entries[i].Identity == identity {
		return v.Entries[i].Weight
	}
	return 0
}

// Map returns the vector as a map.
func (v Vector) Map() map[string]uint16 {
	m := make(map[string]uint16, len(v.Entries))
	for _, e := range v.Entries {
		m[e.Identity] = e.Weight
	}
	return m
}

// Bytes is the canonical encoding: one "identity:weight" line per entry.
func (v Vector) Bytes() []byte {
	var b strings.Builder
	for _, e := range v.Entries {
		b.WriteString(e.Identity)
		b.WriteByte(':')
		b.WriteString(strconv.FormatUint(uint64(e.Weight), 10))
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

// Digest returns hex(SHA-256(Bytes())).
func (v Vector) Digest() string {
	h := sha256.Sum256(v.Bytes())
	return hex.EncodeToString(h[:])
}

// Scale converts d into integers summing exactly to scale using
// largest-remainder rounding; remainder ties go to the smaller identity. An
// empty or zero distribution assigns everything to burn.
func Scale(d Distribution, scale uint16, burn string) Vector {
	total := d.Total()
	if total <= 0 {
		return Vector{Entries: []Entry{{Identity: burn, Weight: scale}}}
	}

	type share struct {
		id    string
		floor uint64
		rem   float64
	}
	ids := d.Identities()
	shares := make([]share, 0, len(ids))
	var assigned uint64
	for _, id := range ids {
		exact := d[id] / total * float64(scale)
		fl := math.Floor(exact)
		shares = append(shares, share{id: id, floor: uint64(fl), rem: exact - fl})
		assigned += uint64(fl)
	}

	order := make([]int, len(shares))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		sa, sb := shares[order[a]], shares[order[b]]
		if sa.rem != sb.rem {
			return sa.rem > sb.rem
		}
		return sa.id < sb.id
	})

	target := uint64(scale)
	for i := 0; assigned < target; i = (i + 1) % len(order) {
		shares[order[i]].floor++
		assigned++
	}
	for i := len(order) - 1; assigned > target; i-- {
		if i < 0 {
			i = len(order) - 1
		}
		if shares[order[i]].floor > 0 {
			shares[order[i]].floor--
			assigned--
		}
	}

	v := Vector{Entries: make([]Entry, 0, len(shares))}
	for _, s := range shares {
		if s.floor > 0 {
			v.Entries = append(v.Entries, Entry{Identity: s.id, Weight: uint16(s.floor)})
		}
	}
	return v
}

// ClampCap lowers every non-burn weight above floor(capShare*Sum) to that
// limit and adds the removed units to burn. Largest-remainder rounding can
// lift a share sitting exactly on the cap one unit over it. The sum is
// unchanged.
func ClampCap(v Vector, capShare float64, burn string) Vector {
	limit := uint64(math.Floor(capShare*float64(v.Sum()) + capTolerance))
	out := Vector{Entries: make([]Entry, 0, len(v.Entries)+1)}
	var moved uint64
	for _, e := range v.Entries {
		if e.Identity != burn && uint64(e.Weight) > limit {
			moved += uint64(e.Weight) - limit
			e.Weight = uint16(limit)
		}
		if e.Weight > 0 {
			out.Entries = append(out.Entries, e)
		}
	}
	if moved == 0 {
		return out
	}

	i := sort.Search(len(out.Entries), func(i int) bool { return out.Entries[i].Identity >= burn })
	if i < len(out.Entries) && out.Entries[i].Identity == burn {
		out.Entries[i].Weight += uint16(moved)
		return out
	}
	out.Entries = append(out.Entries, Entry{})
	copy(out.Entries[i+1:], out.Entries[i:])
	out.Entries[i] = Entry{Identity: burn, Weight: uint16(moved)}
	return out
}

// Compute runs normalization, the cap and scaling in one step.
func Compute(cands []Candidate, p Params) Vector {
	d := ApplyCap(Normalize(cands, p), p.Cap, p.BurnIdentity)
	return ClampCap(Scale(d, p.Scale, p.BurnIdentity), p.Cap, p.BurnIdentity)
}
