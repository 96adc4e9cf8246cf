package utils

import (
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
)

// StringPtr returns a pointer to a string, or nil if empty.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Deref returns the pointed-to string or "" for nil.
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// ContainsString reports whether item is in list.
func ContainsString(list []string, item string) bool {
	return slices.Contains(list, item)
}

// weightTolerance absorbs rounding in hand-written weights such as 0.33|0.33|0.34.
const weightTolerance = 0.01

// ParseSubtopicWeights parses "Name:Weight|Name:Weight" into a map. Weights must
// lie in [0,1], names must be unique and the weights must sum to 1.
func ParseSubtopicWeights(raw string) (map[string]float64, error) {
	weights := make(map[string]float64)
	sum := 0.0
	for _, pair := range strings.Split(strings.Trim(raw, "| "), "|") {
		name, value, ok := strings.Cut(pair, ":")
		name = strings.TrimSpace(name)
		switch {
		case !ok || strings.Contains(value, ":"):
			return nil, fmt.Errorf("invalid subtopic %q, expected Name:Weight", pair)
		case name == "":
			return nil, fmt.Errorf("empty subtopic name in %q", pair)
		}
		if _, dup := weights[name]; dup {
			return nil, fmt.Errorf("subtopic %q listed twice", name)
		}
		w, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid weight for subtopic %q: %q", name, strings.TrimSpace(value))
		}
		if w < 0 || w > 1 {
			return nil, fmt.Errorf("weight of subtopic %q is %.2f, want 0.0-1.0", name, w)
		}
		weights[name] = w
		sum += w
	}
	if math.Abs(sum-1) > weightTolerance {
		return nil, fmt.Errorf("subtopic weights sum to %.2f, want 1.0", sum)
	}
	return weights, nil
}

// LevenshteinDistance is the rune-level edit distance between a and b.
func LevenshteinDistance(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) < len(rb) {
		ra, rb = rb, ra
	}
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}

// BytesToInt reads the first eight bytes of b (a hash sum) as a big-endian seed.
func BytesToInt(b []byte) int64 {
	var seed int64
	for _, v := range b[:min(len(b), 8)] {
		seed = seed<<8 | int64(v)
	}
	return seed
}
