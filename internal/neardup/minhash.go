// Package neardup finds documents whose text is nearly identical using MinHash
// signatures and locality-sensitive hashing.
package neardup

import (
	"math"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Shingles returns the set of hashed k-word shingles of text. Tokens are the
// lower-cased whitespace-separated words. Texts shorter than k words have no
// shingles.
func Shingles(text string, k int) map[uint64]struct{} {
	if k <= 0 {
		return nil
	}
	words := strings.Fields(strings.ToLower(text))
	if len(words) < k {
		return nil
	}
	out := make(map[uint64]struct{}, len(words)-k+1)
	for i := 0; i+k <= len(words); i++ {
		out[xxhash.Sum64String(strings.Join(words[i:i+k], " "))] = struct{}{}
	}
	return out
}

// mix is the splitmix64 finalizer.
func mix(x uint64) uint64 {
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x
}

// seeds returns n fixed seeds, so signatures are comparable across runs.
func seeds(n int) []uint64 {
	out := make([]uint64, n)
	var state uint64 = 0x9e3779b97f4a7c15
	for i := range out {
		state += 0x9e3779b97f4a7c15
		out[i] = mix(state)
	}
	return out
}

// Hasher computes MinHash signatures of a fixed width.
type Hasher struct {
	seeds []uint64
}

// NewHasher returns a Hasher producing numPerm-value signatures.
func NewHasher(numPerm int) *Hasher {
	return &Hasher{seeds: seeds(numPerm)}
}

// Signature returns the MinHash signature of a shingle set.
func (h *Hasher) Signature(shingles map[uint64]struct{}) []uint64 {
	sig := make([]uint64, len(h.seeds))
	for i := range sig {
		sig[i] = math.MaxUint64
	}
	for s := range shingles {
		for i, seed := range h.seeds {
			if v := mix(s + seed); v < sig[i] {
				sig[i] = v
			}
		}
	}
	return sig
}

// Similarity estimates the Jaccard similarity of two shingle sets from their
// signatures: the fraction of positions that agree.
func Similarity(a, b []uint64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	same := 0
	for i := range a {
		if a[i] == b[i] {
			same++
		}
	}
	return float64(same) / float64(len(a))
}

// Jaccard returns the exact Jaccard similarity of two shingle sets.
func Jaccard(a, b map[uint64]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for s := range a {
		if _, ok := b[s]; ok {
			inter++
		}
	}
	return float64(inter) / float64(len(a)+len(b)-inter)
}

// OptimalBands chooses the LSH band count b and rows per band r (b*r <= numPerm)
// that minimise the equally weighted false positive and false negative areas
// of the collision curve 1-(1-s^r)^b around threshold.
func OptimalBands(threshold float64, numPerm int) (bands, rows int) {
	minErr := math.Inf(1)
	for b := 1; b <= numPerm; b++ {
		for r := 1; b*r <= numPerm; r++ {
			fp := integrate(func(s float64) float64 { return collision(s, b, r) }, 0, threshold)
			fn := integrate(func(s float64) float64 { return 1 - collision(s, b, r) }, threshold, 1)
			if e := 0.5*fp + 0.5*fn; e < minErr {
				minErr, bands, rows = e, b, r
			}
		}
	}
	return bands, rows
}

func collision(s float64, b, r int) float64 {
	return 1 - math.Pow(1-math.Pow(s, float64(r)), float64(b))
}

// integrate applies the trapezoidal rule over [lo, hi].
func integrate(f func(float64) float64, lo, hi float64) float64 {
	const steps = 200
	if hi <= lo {
		return 0
	}
	h := (hi - lo) / steps
	sum := (f(lo) + f(hi)) / 2
	for i := 1; i < steps; i++ {
		sum += f(lo + float64(i)*h)
	}
	return sum * h
}
