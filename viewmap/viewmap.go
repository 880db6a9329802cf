// Package viewmap implements depot<->client path mapping algebra (spec §4.1).
//
// A Map is compiled from an ordered list of two-column view-mapping lines.
// Overlay lines (+) add without shadowing earlier lines; exclusion lines (-)
// remove. Ordering matters: last match wins, except exclusions always win
// over a later overlay of the same path. Translation is always
// case-sensitive, regardless of host OS.
package viewmap

import (
	"fmt"
	"strings"
)

// Direction of translation.
type Direction int

const (
	// LhsToRhs translates a depot path to its client/repo-relative counterpart.
	LhsToRhs Direction = iota
	// RhsToLhs translates a client/repo-relative path to its depot counterpart.
	RhsToLhs
)

// Line is one compiled view-mapping entry.
type Line struct {
	Lhs     string // depot-side path (always begins with //)
	Rhs     string // client-side or repo-relative path
	Overlay bool   // '+' prefix
	Exclude bool   // '-' prefix
}

// Map is a compiled, ordered list of Lines.
type Map struct {
	lines []Line
}

// Compile parses an ordered list of view-mapping lines (as found in a
// branch spec or client spec View: field) into a Map.
func Compile(rawLines []string) (*Map, error) {
	m := &Map{}
	for _, raw := range rawLines {
		line, err := parseLine(raw)
		if err != nil {
			return nil, err
		}
		m.lines = append(m.lines, line)
	}
	return m, nil
}

// parseLine parses a single "lhs rhs" mapping line, handling leading +/-
// modifiers and "quoted paths with spaces".
func parseLine(raw string) (Line, error) {
	s := strings.TrimSpace(raw)
	var line Line
	if s == "" {
		return line, fmt.Errorf("viewmap: empty line")
	}
	if strings.HasPrefix(s, "-") {
		line.Exclude = true
		s = s[1:]
	} else if strings.HasPrefix(s, "+") {
		line.Overlay = true
		s = s[1:]
	}
	lhs, rhs, err := splitTwoColumns(s)
	if err != nil {
		return line, err
	}
	line.Lhs = Dequote(lhs)
	line.Rhs = Dequote(rhs)
	if line.Exclude && line.Overlay {
		return line, fmt.Errorf("viewmap: line cannot be both overlay and exclude: %q", raw)
	}
	return line, nil
}

// splitTwoColumns splits on the first run of unquoted whitespace.
func splitTwoColumns(s string) (string, string, error) {
	inQuote := false
	for i, r := range s {
		if r == '"' {
			inQuote = !inQuote
			continue
		}
		if (r == ' ' || r == '\t') && !inQuote {
			lhs := strings.TrimSpace(s[:i])
			rhs := strings.TrimSpace(s[i+1:])
			if lhs == "" || rhs == "" {
				return "", "", fmt.Errorf("viewmap: cannot split %q into two columns", s)
			}
			return lhs, rhs, nil
		}
	}
	return "", "", fmt.Errorf("viewmap: cannot split %q into two columns", s)
}

// AsArray serializes the Map back into view-mapping line form, the inverse
// of Compile. compile(lines).AsArray() round-trips modulo whitespace.
func (m *Map) AsArray() []string {
	out := make([]string, 0, len(m.lines))
	for _, l := range m.lines {
		prefix := ""
		if l.Exclude {
			prefix = "-"
		} else if l.Overlay {
			prefix = "+"
		}
		lhs := Enquote(l.Lhs)
		rhs := Enquote(l.Rhs)
		out = append(out, fmt.Sprintf("%s%s %s", prefix, lhs, rhs))
	}
	return out
}

// Lines exposes the compiled lines, in order.
func (m *Map) Lines() []Line {
	return append([]Line(nil), m.lines...)
}

// Insert appends a new line to the map.
func (m *Map) Insert(l Line) {
	m.lines = append(m.lines, l)
}

// Translate maps path in the given direction, applying overlay/exclude
// semantics: later lines override earlier ones ("last match wins"), except
// that an exclusion always removes a path regardless of any later overlay
// that would otherwise re-add it (exclusions are evaluated last, not by
// position).
func (m *Map) Translate(path string, dir Direction) (string, bool) {
	var matched string
	found := false
	excluded := false
	for _, l := range m.lines {
		from, to := l.Lhs, l.Rhs
		if dir == RhsToLhs {
			from, to = l.Rhs, l.Lhs
		}
		rest, ok := matchWild(from, path)
		if !ok {
			continue
		}
		if l.Exclude {
			excluded = true
			continue
		}
		matched = applyWild(to, rest)
		found = true
	}
	if !found || excluded {
		return "", false
	}
	return matched, true
}

// matchWild matches a "..." wildcard pattern (depot/client style) against
// path, case-sensitively, returning the suffix captured by the trailing
// "...", if any.
func matchWild(pattern, path string) (string, bool) {
	if strings.HasSuffix(pattern, "...") {
		prefix := pattern[:len(pattern)-3]
		if strings.HasPrefix(path, prefix) {
			return path[len(prefix):], true
		}
		return "", false
	}
	if pattern == path {
		return "", true
	}
	return "", false
}

func applyWild(pattern, suffix string) string {
	if strings.HasSuffix(pattern, "...") {
		return pattern[:len(pattern)-3] + suffix
	}
	return pattern
}

// Join computes the intersection of two maps: m's rhs namespace composed
// with other's lhs namespace, analogous to `p4 client -o` view stacking.
// Only lines whose rhs-side falls within other's lhs are retained.
func (m *Map) Join(other *Map) *Map {
	out := &Map{}
	for _, l := range m.lines {
		if l.Exclude {
			continue
		}
		for _, o := range other.lines {
			if o.Exclude {
				continue
			}
			if suffix, ok := matchWild(o.Lhs, l.Rhs); ok {
				out.lines = append(out.lines, Line{
					Lhs: l.Lhs,
					Rhs: applyWild(o.Rhs, suffix),
				})
			}
		}
	}
	return out
}

// Reverse swaps lhs and rhs on every line (exclude/overlay flags preserved).
func (m *Map) Reverse() *Map {
	out := &Map{lines: make([]Line, len(m.lines))}
	for i, l := range m.lines {
		out.lines[i] = Line{Lhs: l.Rhs, Rhs: l.Lhs, Overlay: l.Overlay, Exclude: l.Exclude}
	}
	return out
}

// RerootLhs replaces oldPrefix with newPrefix on every line's lhs that
// begins with oldPrefix. Used to copy a branch's view onto new storage.
func (m *Map) RerootLhs(oldPrefix, newPrefix string) *Map {
	out := &Map{lines: make([]Line, len(m.lines))}
	for i, l := range m.lines {
		nl := l
		if strings.HasPrefix(nl.Lhs, oldPrefix) {
			nl.Lhs = newPrefix + nl.Lhs[len(oldPrefix):]
		}
		out.lines[i] = nl
	}
	return out
}

// WithClientPrefix rewrites every line's rhs to be rooted under
// "//clientName/" + the original repo-relative remainder, i.e. the full
// client-prefixed form, deriving it from a repo-relative rhs when needed.
func (m *Map) WithClientPrefix(clientName string) *Map {
	out := &Map{lines: make([]Line, len(m.lines))}
	for i, l := range m.lines {
		nl := l
		if !strings.HasPrefix(nl.Rhs, "//") {
			rel := strings.TrimPrefix(nl.Rhs, "/")
			nl.Rhs = fmt.Sprintf("//%s/%s", clientName, rel)
		}
		out.lines[i] = nl
	}
	return out
}

const reserved = "%#@*"

// EscapePath percent-encodes the four reserved depot path characters.
func EscapePath(path string) string {
	var b strings.Builder
	for _, r := range path {
		if strings.ContainsRune(reserved, r) {
			fmt.Fprintf(&b, "%%%02X", r)
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// UnescapePath reverses EscapePath; any %XX not matching a reserved
// character's encoding is left untouched.
func UnescapePath(path string) string {
	var b strings.Builder
	for i := 0; i < len(path); i++ {
		if path[i] == '%' && i+2 < len(path) {
			var v int
			if _, err := fmt.Sscanf(path[i+1:i+3], "%02X", &v); err == nil && strings.ContainsRune(reserved, rune(v)) {
				b.WriteRune(rune(v))
				i += 2
				continue
			}
		}
		b.WriteByte(path[i])
	}
	return b.String()
}

// Enquote wraps path in double quotes if it contains a space and carries no
// double quotes of its own (a path quoted around one segment is kept as is).
func Enquote(path string) string {
	if strings.ContainsAny(path, " \t") && !strings.Contains(path, `"`) {
		return `"` + path + `"`
	}
	return path
}

// Dequote strips paired double quotes from path, if present.
func Dequote(path string) string {
	if len(path) >= 2 && path[0] == '"' && path[len(path)-1] == '"' {
		return path[1 : len(path)-1]
	}
	return path
}
