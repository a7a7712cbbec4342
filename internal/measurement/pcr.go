package measurement

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// PcrCount is the number of registers in a TPM 1.2 / SHA-1 bank.
const PcrCount = 24

// Registers with a fixed meaning for the trust engine.
const (
	PcrModules  PcrIndex = 19
	PcrAssetTag PcrIndex = 22
)

// PcrIndex identifies a platform configuration register.
type PcrIndex int

// NewPcrIndex validates i.
func NewPcrIndex(i int) (PcrIndex, error) {
	if i < 0 || i >= PcrCount {
		return 0, fmt.Errorf("%w: %d", ErrInvalidPcrIndex, i)
	}
	return PcrIndex(i), nil
}

// Valid reports whether the index is within 0..23.
func (p PcrIndex) Valid() bool {
	return p >= 0 && p < PcrCount
}

func (p PcrIndex) String() string {
	return strconv.Itoa(int(p))
}

// ParsePcrList parses a comma separated list such as "0,17,18".
// Blank entries are ignored; duplicates are removed and the result is sorted.
func ParsePcrList(s string) ([]PcrIndex, error) {
	seen := make(map[PcrIndex]bool)
	var out []PcrIndex

	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPcrIndex, part)
		}
		idx, err := NewPcrIndex(n)
		if err != nil {
			return nil, err
		}
		if !seen[idx] {
			seen[idx] = true
			out = append(out, idx)
		}
	}

	SortPcrs(out)
	return out, nil
}

// FormatPcrList is the inverse of ParsePcrList.
func FormatPcrList(list []PcrIndex) string {
	parts := make([]string, len(list))
	for i, p := range list {
		parts[i] = p.String()
	}
	return strings.Join(parts, ",")
}

// SortPcrs sorts list in place.
func SortPcrs(list []PcrIndex) {
	sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
}

// SamePcrSet reports whether a and b contain the same registers, ignoring order.
func SamePcrSet(a, b []PcrIndex) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[PcrIndex]int, len(a))
	for _, p := range a {
		set[p]++
	}
	for _, p := range b {
		if set[p] == 0 {
			return false
		}
		set[p]--
	}
	return true
}
