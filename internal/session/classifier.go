package session

import (
	"net/url"
	"strings"
	"sync"
)

// Interception is the kind of user flow a redirect leads to
type Interception int

const (
	InterceptNone Interception = iota
	InterceptAuth
	InterceptEula
)

func (i Interception) String() string {
	switch i {
	case InterceptAuth:
		return "auth"
	case InterceptEula:
		return "eula"
	default:
		return "none"
	}
}

// Classifier decides whether a redirect target is an auth or EULA page
type Classifier interface {
	Classify(rawURL string) Interception
}

// PatternClassifier matches "host/path" of a URL against substrings.
// EULA patterns win when both match.
type PatternClassifier struct {
	mu   sync.RWMutex
	auth []string
	eula []string
}

// NewPatternClassifier creates a classifier from substring patterns
func NewPatternClassifier(auth, eula []string) *PatternClassifier {
	c := &PatternClassifier{}
	c.SetPatterns(auth, eula)
	return c
}

// SetPatterns swaps the patterns, used on config reload
func (c *PatternClassifier) SetPatterns(auth, eula []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.auth = normalizePatterns(auth)
	c.eula = normalizePatterns(eula)
}

func normalizePatterns(patterns []string) []string {
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *PatternClassifier) Classify(rawURL string) Interception {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return InterceptNone
	}
	target := strings.ToLower(u.Host + u.Path)

	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, p := range c.eula {
		if strings.Contains(target, p) {
			return InterceptEula
		}
	}
	for _, p := range c.auth {
		if strings.Contains(target, p) {
			return InterceptAuth
		}
	}
	return InterceptNone
}
