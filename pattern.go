package simcmd_server

import (
	"fmt"
	"strings"
)

// A pattern is a command template made of literal text and capture slots:
//
//	vset /mode/(.*)              (.*) captures any run of characters, possibly empty
//	vget /camera/[id]/name       [id] captures a non-empty run without '/' or ' '
//
// A backslash makes the next character literal, e.g. \( or \?. Two captures
// must be separated by literal text, otherwise the split between them is
// ambiguous and the pattern is rejected.

type (
	segmentKind int

	segment struct {
		kind segmentKind
		text string // literal text, or the placeholder name
	}

	// Pattern is a compiled command template.
	Pattern struct {
		text     string
		segments []segment
		captures int
	}
)

const (
	segLiteral segmentKind = iota
	segAny
	segWord
)

// CompilePattern parses pattern into a segment sequence.
func CompilePattern(pattern string) (*Pattern, error) {
	if pattern == "" {
		return nil, fmt.Errorf("%w: empty pattern", ErrInvalidPattern)
	}

	p := &Pattern{text: pattern}

	var lit strings.Builder
	flush := func() {
		if lit.Len() > 0 {
			p.segments = append(p.segments, segment{kind: segLiteral, text: lit.String()})
			lit.Reset()
		}
	}

	addCapture := func(seg segment, pos int) error {
		flush()
		if n := len(p.segments); n > 0 && p.segments[n-1].kind != segLiteral {
			return fmt.Errorf("%w: adjacent captures at offset %d of %q", ErrInvalidPattern, pos, pattern)
		}
		p.segments = append(p.segments, seg)
		p.captures++
		return nil
	}

	for pos := 0; pos < len(pattern); pos++ {
		ch := pattern[pos]
		switch ch {
		case '\\':
			if pos+1 >= len(pattern) {
				return nil, fmt.Errorf("%w: trailing escape in %q", ErrInvalidPattern, pattern)
			}
			pos++
			lit.WriteByte(pattern[pos])

		case '(':
			end := strings.IndexByte(pattern[pos:], ')')
			if end < 0 {
				return nil, fmt.Errorf("%w: unclosed '(' at offset %d of %q", ErrInvalidPattern, pos, pattern)
			}
			body := pattern[pos+1 : pos+end]
			if body != ".*" {
				return nil, fmt.Errorf("%w: unsupported capture (%s) at offset %d of %q", ErrInvalidPattern, body, pos, pattern)
			}
			if err := addCapture(segment{kind: segAny}, pos); err != nil {
				return nil, err
			}
			pos += end

		case '[':
			end := strings.IndexByte(pattern[pos:], ']')
			if end < 0 {
				return nil, fmt.Errorf("%w: unclosed '[' at offset %d of %q", ErrInvalidPattern, pos, pattern)
			}
			name := pattern[pos+1 : pos+end]
			if name == "" || strings.ContainsAny(name, "()[]/\\ ") {
				return nil, fmt.Errorf("%w: bad placeholder [%s] at offset %d of %q", ErrInvalidPattern, name, pos, pattern)
			}
			if err := addCapture(segment{kind: segWord, text: name}, pos); err != nil {
				return nil, err
			}
			pos += end

		case ')', ']':
			return nil, fmt.Errorf("%w: unbalanced '%c' at offset %d of %q", ErrInvalidPattern, ch, pos, pattern)

		default:
			lit.WriteByte(ch)
		}
	}
	flush()

	return p, nil
}

// String returns the pattern text as registered.
func (p *Pattern) String() string {
	return p.text
}

// Match tests input against the whole pattern, start to end. On success
// the captured substrings are returned left to right.
func (p *Pattern) Match(input string) (args []string, matched bool) {
	args, matched = matchSegments(p.segments, input, make([]string, 0, p.captures))
	if !matched {
		args = nil
	}
	return
}

func matchSegments(segs []segment, input string, args []string) ([]string, bool) {
	if len(segs) == 0 {
		return args, input == ""
	}

	seg := segs[0]
	if seg.kind == segLiteral {
		if !strings.HasPrefix(input, seg.text) {
			return nil, false
		}
		return matchSegments(segs[1:], input[len(seg.text):], args)
	}

	limit := len(input)
	minLen := 0
	if seg.kind == segWord {
		if idx := strings.IndexAny(input, "/ "); idx >= 0 {
			limit = idx
		}
		minLen = 1
	}

	if len(segs) == 1 {
		// trailing capture takes the remainder
		if limit != len(input) || limit < minLen {
			return nil, false
		}
		return append(args, input), true
	}

	// compile guarantees a literal follows; longest candidate first
	next := segs[1].text
	for end := limit; end >= minLen; end-- {
		if !strings.HasPrefix(input[end:], next) {
			continue
		}
		if out, ok := matchSegments(segs[1:], input[end:], append(args, input[:end])); ok {
			return out, true
		}
	}
	return nil, false
}
