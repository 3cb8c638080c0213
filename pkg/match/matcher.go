// Package match selects terminals by glob patterns over their IDs.
//
// Patterns use doublestar syntax ('*', '?', '[a-z]', '{a,b}'). Terminal IDs
// never contain '/', so '*' matches any run of characters in practice.
package match

import (
	"errors"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Matcher evaluates include and exclude patterns against terminal IDs:
//   - Include patterns: the ID must match at least one
//   - Exclude patterns: the ID must not match any
//
// The Matcher is safe for concurrent use after creation.
type Matcher struct {
	includes []string
	excludes []string
}

// Config configures a Matcher.
type Config struct {
	// Includes are glob patterns an ID must match (at least one).
	// Empty means every ID is included.
	Includes []string

	// Excludes are glob patterns an ID must not match (any).
	Excludes []string
}

// ErrInvalidPattern is returned when a pattern cannot be compiled.
var ErrInvalidPattern = errors.New("invalid glob pattern")

// PatternError wraps pattern-related errors with context.
type PatternError struct {
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	return "pattern " + e.Pattern + ": " + e.Err.Error()
}

func (e *PatternError) Unwrap() error {
	return e.Err
}

// New compiles cfg. Blank patterns are ignored.
func New(cfg Config) (*Matcher, error) {
	includes, err := compile(cfg.Includes)
	if err != nil {
		return nil, err
	}
	excludes, err := compile(cfg.Excludes)
	if err != nil {
		return nil, err
	}
	return &Matcher{includes: includes, excludes: excludes}, nil
}

func compile(raw []string) ([]string, error) {
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !doublestar.ValidatePattern(p) {
			return nil, &PatternError{Pattern: p, Err: ErrInvalidPattern}
		}
		out = append(out, p)
	}
	return out, nil
}

// Match reports whether id is selected.
func (m *Matcher) Match(id string) bool {
	if m == nil {
		return true
	}
	if len(m.includes) > 0 {
		matched := false
		for _, inc := range m.includes {
			if matchPattern(inc, id) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	for _, exc := range m.excludes {
		if matchPattern(exc, id) {
			return false
		}
	}
	return true
}

// IsGlob reports whether s contains glob metacharacters.
func IsGlob(s string) bool {
	return strings.ContainsAny(s, "*?[{")
}

// matchPattern matches an ID against a validated doublestar pattern.
func matchPattern(pattern, id string) bool {
	matched, err := doublestar.Match(pattern, id)
	if err != nil {
		return false
	}
	return matched
}
