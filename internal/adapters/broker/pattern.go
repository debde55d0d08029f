package broker

import (
	"fmt"
	"strings"

	"github.com/eleven-am/conduit/internal/domain"
)

const (
	wildcardOne  = "*"
	wildcardRest = "#"
)

// Match reports whether key satisfies pattern. Segments are dot separated;
// `*` matches exactly one segment and `#` matches zero or more.
func Match(pattern, key string) bool {
	return matchSegments(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchSegments(pattern, key []string) bool {
	for len(pattern) > 0 {
		head := pattern[0]
		if head == wildcardRest {
			rest := pattern[1:]
			if len(rest) == 0 {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if matchSegments(rest, key[i:]) {
					return true
				}
			}
			return false
		}

		if len(key) == 0 {
			return false
		}
		if head != wildcardOne && head != key[0] {
			return false
		}
		pattern = pattern[1:]
		key = key[1:]
	}
	return len(key) == 0
}

// ValidatePattern rejects empty patterns and empty segments.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return domain.NewValidationError("subscription pattern is required", domain.ErrInvalidInput)
	}
	for i, seg := range strings.Split(pattern, ".") {
		if seg == "" {
			return domain.NewValidationError(
				fmt.Sprintf("pattern %q has an empty segment at position %d", pattern, i),
				domain.ErrInvalidInput,
			)
		}
		if strings.ContainsAny(seg, "*#") && seg != wildcardOne && seg != wildcardRest {
			return domain.NewValidationError(
				fmt.Sprintf("pattern %q mixes wildcard and literal in segment %q", pattern, seg),
				domain.ErrInvalidInput,
			)
		}
	}
	return nil
}
