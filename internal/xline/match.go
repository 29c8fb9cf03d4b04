package xline

import (
	"fmt"
	"regexp"
	"strings"
)

// Match reports whether str matches the glob pattern. '*' matches any run of
// characters and '?' matches exactly one. Matching ignores case unless
// caseSensitive is set.
func Match(str, pattern string, caseSensitive bool) bool {
	if !caseSensitive {
		str, pattern = strings.ToLower(str), strings.ToLower(pattern)
	}

	s, p := 0, 0
	starP, starS := -1, 0
	for s < len(str) {
		if p < len(pattern) && pattern[p] == '*' {
			starP, starS = p, s
			p++
			continue
		}
		if p < len(pattern) && (pattern[p] == '?' || pattern[p] == str[s]) {
			s++
			p++
			continue
		}
		if starP >= 0 {
			starS++
			s = starS
			p = starP + 1
			continue
		}
		return false
	}
	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	return p == len(pattern)
}

// Matcher is a compiled regular expression
type Matcher interface {
	MatchString(s string) bool
}

// RegexEngine compiles the body of a /regex/ mask
type RegexEngine interface {
	Name() string
	Compile(expr string) (Matcher, error)
}

// MatcherError is returned when a regex mask does not compile. Its message
// is the engine's own.
type MatcherError struct {
	Engine string
	Err    error
}

func (e *MatcherError) Error() string {
	return e.Err.Error()
}

func (e *MatcherError) Unwrap() error {
	return e.Err
}

type re2Engine struct{}

func (re2Engine) Name() string { return "regexp" }

func (re2Engine) Compile(expr string) (Matcher, error) {
	re, err := regexp.Compile("(?i)" + expr)
	if err != nil {
		return nil, err
	}
	return re, nil
}

type posixEngine struct{}

func (posixEngine) Name() string { return "posix" }

func (posixEngine) Compile(expr string) (Matcher, error) {
	re, err := regexp.CompilePOSIX(expr)
	if err != nil {
		return nil, err
	}
	return re, nil
}

var engines = map[string]RegexEngine{
	"regexp": re2Engine{},
	"posix":  posixEngine{},
}

// RegexEngineByName returns a registered regex engine. An empty name means
// regex masks are disabled and yields (nil, nil).
func RegexEngineByName(name string) (RegexEngine, error) {
	if name == "" {
		return nil, nil
	}
	e, ok := engines[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unable to find regex engine %s", name)
	}
	return e, nil
}

// IsRegexMask reports whether mask is a /delimited/ regular expression
func IsRegexMask(mask string) bool {
	return len(mask) > 2 && mask[0] == '/' && mask[len(mask)-1] == '/'
}
