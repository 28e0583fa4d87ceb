// Package search filters the lines of a LineIndex by substring or regular
// expression.
//
// Scans run against immutable index snapshots, split into chunks that are
// scanned in parallel. A Session tracks the query generations of one file:
// each submission supersedes the previous one, and a completed result can be
// extended incrementally as the file grows.
package search

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/corey/logglance/internal/adapters/ahocorasick"
)

// Query is a search request.
type Query struct {
	Pattern       string
	Regex         bool // RE2 syntax; otherwise a plain substring
	CaseSensitive bool
}

func (q Query) String() string {
	mode := "plain"
	if q.Regex {
		mode = "regex"
	}
	if !q.CaseSensitive {
		mode += ",i"
	}
	return fmt.Sprintf("%q (%s)", q.Pattern, mode)
}

// InvalidQueryError reports a pattern that failed to compile.
type InvalidQueryError struct {
	Pattern string
	Err     error
}

func (e *InvalidQueryError) Error() string {
	return fmt.Sprintf("invalid query %q: %v", e.Pattern, e.Err)
}

func (e *InvalidQueryError) Unwrap() error { return e.Err }

// Matcher decides whether one line matches.
type Matcher interface {
	Match(text string) bool
}

type matchFunc func(string) bool

func (f matchFunc) Match(text string) bool { return f(text) }

// Compiled is a validated query. It hands out one Matcher per scanning
// worker, since Aho-Corasick automatons are not shared between goroutines.
type Compiled struct {
	query Query
	re    *regexp.Regexp // regex mode and non-ASCII case-insensitive plain mode
	fold  bool           // plain ASCII case-insensitive, via Aho-Corasick
}

// Compile validates q.
func Compile(q Query) (*Compiled, error) {
	if !utf8.ValidString(q.Pattern) {
		return nil, &InvalidQueryError{Pattern: q.Pattern, Err: errors.New("pattern is not valid UTF-8")}
	}
	c := &Compiled{query: q}
	switch {
	case q.Regex:
		expr := q.Pattern
		if !q.CaseSensitive {
			expr = "(?i)" + expr
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, &InvalidQueryError{Pattern: q.Pattern, Err: err}
		}
		c.re = re
	case q.CaseSensitive || q.Pattern == "":
	case foldsASCIIOnly(q.Pattern):
		c.fold = true
	default:
		c.re = regexp.MustCompile("(?i)" + regexp.QuoteMeta(q.Pattern))
	}
	return c, nil
}

// Query returns the query c was compiled from.
func (c *Compiled) Query() Query { return c.query }

// NewMatcher returns a Matcher for use by a single goroutine.
func (c *Compiled) NewMatcher() Matcher {
	switch {
	case c.re != nil:
		return matchFunc(c.re.MatchString)
	case c.fold:
		return matchFunc(ahocorasick.NewSubstring(c.query.Pattern, true).Contains)
	default:
		p := c.query.Pattern
		return matchFunc(func(text string) bool { return strings.Contains(text, p) })
	}
}

// foldsASCIIOnly reports whether every case variant of s is ASCII, so
// ASCII folding agrees with Unicode (?i). k and s also fold to the Kelvin
// sign U+212A and long s U+017F.
func foldsASCIIOnly(s string) bool {
	if !isASCII(s) {
		return false
	}
	return !strings.ContainsAny(s, "kKsS")
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}
