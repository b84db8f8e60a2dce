package topology

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var hexPattern = regexp.MustCompile(`^[0-9a-f]+$`)

// keyRange represents a parsed Vitess-style key range
type keyRange struct {
	start uint64 // inclusive
	end   uint64 // exclusive
}

// parseKeyRange parses a Vitess-style key range string into a keyRange struct.
// Examples: "-80" -> [0, 0x80...], "80-" -> [0x80..., 0xff...], "80-c0" -> [0x80..., 0xc0...]
// "-" is the full range of an unsharded keyspace.
func parseKeyRange(kr string) (keyRange, error) {
	if kr == "" {
		return keyRange{}, errors.New("key range cannot be empty string")
	}
	parts := strings.Split(kr, "-")
	if len(parts) != 2 {
		return keyRange{}, fmt.Errorf("invalid key range format: %s (expected format: 'start-end', '-end', or 'start-')", kr)
	}
	start, err := parseBound(parts[0], 0)
	if err != nil {
		return keyRange{}, fmt.Errorf("invalid start key range: %w", err)
	}
	end, err := parseBound(parts[1], ^uint64(0))
	if err != nil {
		return keyRange{}, fmt.Errorf("invalid end key range: %w", err)
	}
	if start >= end {
		return keyRange{}, fmt.Errorf("invalid key range %s: start must be before end", kr)
	}
	return keyRange{start: start, end: end}, nil
}

// parseBound parses one side of a key range, padded to 64 bits.
// An empty side means the open end of the range.
func parseBound(s string, open uint64) (uint64, error) {
	if s == "" {
		return open, nil
	}
	if !hexPattern.MatchString(s) {
		return 0, fmt.Errorf("%s (expected hex characters [0-9a-f])", s)
	}
	if len(s) > 16 {
		return 0, fmt.Errorf("%s (longer than 64 bits)", s)
	}
	padded := s + strings.Repeat("0", 16-len(s))
	v, err := strconv.ParseUint(padded, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", s, err)
	}
	return v, nil
}

// contains checks if a hash value falls within this key range.
// The open upper end includes the maximum hash.
func (kr keyRange) contains(hash uint64) bool {
	if kr.end == ^uint64(0) {
		return hash >= kr.start
	}
	return hash >= kr.start && hash < kr.end
}

// overlaps checks if two key ranges overlap
func (kr keyRange) overlaps(other keyRange) bool {
	// [a, b) and [c, d) overlap if a < d and c < b.
	return kr.start < other.end && other.start < kr.end
}

func (kr keyRange) String() string {
	return fmt.Sprintf("[0x%016x, 0x%016x)", kr.start, kr.end)
}
