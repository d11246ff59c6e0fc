package features

import "math"

// Entropy returns the Shannon entropy of s in bits per rune.
func Entropy(s string) float64 {
	if s == "" {
		return 0
	}

	counts := make(map[rune]int)
	total := 0
	for _, r := range s {
		counts[r]++
		total++
	}

	var h float64
	for _, c := range counts {
		p := float64(c) / float64(total)
		h -= p * math.Log2(p)
	}
	return h
}

// NormalizedEntropy divides the entropy of s by the maximum entropy achievable
// with its observed alphabet, log2(distinct runes). Strings with fewer than two
// distinct runes have no spread and yield 0.
func NormalizedEntropy(s string) float64 {
	distinct := make(map[rune]struct{})
	for _, r := range s {
		distinct[r] = struct{}{}
	}
	if len(distinct) < 2 {
		return 0
	}
	return clip01(Entropy(s) / math.Log2(float64(len(distinct))))
}
