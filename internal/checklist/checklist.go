// Package checklist reads and rewrites the progress checklist embedded in a
// pull request description.
//
// The checklist lives in a section that starts at a line equal to Header and
// runs until the next level one or two heading, or the end of the document.
// Text outside that section is never touched.
package checklist

import (
	"regexp"
	"strings"
)

// Header is the line that opens the checklist section.
const Header = "## Progress Tracking"

// Item is one of the fixed checklist entries.
type Item int

const (
	Setup Item = iota
	Implementation
	Tests
	Documentation
	Review
	Acceptance
)

// Items lists every item in render and match priority order.
var Items = []Item{Setup, Implementation, Tests, Documentation, Review, Acceptance}

var itemInfo = [...]struct {
	name    string
	keyword string
	label   string
}{
	Setup:          {"setup", "setup", "Initial setup complete"},
	Implementation: {"implementation", "implementation", "Core functionality implemented"},
	Tests:          {"tests", "test", "Tests added and passing"},
	Documentation:  {"documentation", "documentation", "Documentation complete"},
	Review:         {"review", "review", "Code reviewed"},
	Acceptance:     {"acceptance", "acceptance", "Acceptance criteria met"},
}

func (i Item) String() string {
	if i < 0 || int(i) >= len(itemInfo) {
		return "unknown"
	}
	return itemInfo[i].name
}

// Keyword is the lower-case substring that maps a checkbox line to the item.
func (i Item) Keyword() string { return itemInfo[i].keyword }

// Label is the text rendered after the checkbox.
func (i Item) Label() string { return itemInfo[i].label }

// ParseItem resolves an item by its name ("setup", "tests", ...).
func ParseItem(name string) (Item, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, it := range Items {
		if itemInfo[it].name == name {
			return it, true
		}
	}
	return 0, false
}

// State is the checked value of every item.
type State struct {
	Setup          bool `json:"setup"`
	Implementation bool `json:"implementation"`
	Tests          bool `json:"tests"`
	Documentation  bool `json:"documentation"`
	Review         bool `json:"review"`
	Acceptance     bool `json:"acceptance"`
}

// Get returns the value of a single item.
func (s State) Get(i Item) bool {
	switch i {
	case Setup:
		return s.Setup
	case Implementation:
		return s.Implementation
	case Tests:
		return s.Tests
	case Documentation:
		return s.Documentation
	case Review:
		return s.Review
	case Acceptance:
		return s.Acceptance
	}
	return false
}

// Set updates a single item.
func (s *State) Set(i Item, v bool) {
	switch i {
	case Setup:
		s.Setup = v
	case Implementation:
		s.Implementation = v
	case Tests:
		s.Tests = v
	case Documentation:
		s.Documentation = v
	case Review:
		s.Review = v
	case Acceptance:
		s.Acceptance = v
	}
}

// Checked returns the names of the checked items, in order.
func (s State) Checked() []string {
	var out []string
	for _, it := range Items {
		if s.Get(it) {
			out = append(out, it.String())
		}
	}
	return out
}

var checkedLine = regexp.MustCompile(`^\s*[-*+]\s+\[[xX]\]`)

// Extract returns the checklist state stored in doc. A document without a
// checklist section, or whose section has no checked boxes, yields the zero
// State.
func Extract(doc string) State {
	var state State
	sec, ok := findSection(doc)
	if !ok {
		return state
	}

	lines := strings.Split(doc[sec.start:sec.end], "\n")
	for _, line := range lines[1:] {
		if !checkedLine.MatchString(line) {
			continue
		}
		if it, ok := matchItem(line); ok {
			state.Set(it, true)
		}
	}
	return state
}

// matchItem maps a line to the item whose canonical label is the whole
// checkbox text, else to the first item whose keyword the line contains.
// Lines matching nothing are ignored.
func matchItem(line string) (Item, bool) {
	text := strings.TrimRight(strings.TrimSpace(checkedLine.ReplaceAllString(line, "")), ".")
	for _, it := range Items {
		if strings.EqualFold(text, it.Label()) {
			return it, true
		}
	}
	lower := strings.ToLower(line)
	for _, it := range Items {
		if strings.Contains(lower, it.Keyword()) {
			return it, true
		}
	}
	return 0, false
}

// MergeAndRender replaces the checklist section of doc with the canonical
// rendering of state. doc is returned unchanged when it has no section or
// when its stored state already equals state.
func MergeAndRender(doc string, state State) string {
	sec, ok := findSection(doc)
	if !ok {
		return doc
	}
	if Extract(doc) == state {
		return doc
	}
	return doc[:sec.start] + Render(state) + doc[sec.end:]
}

// Render returns the canonical section: the header, one checkbox line per
// item and a trailing blank line.
func Render(state State) string {
	var b strings.Builder
	b.WriteString(Header)
	b.WriteByte('\n')
	for _, it := range Items {
		mark := " "
		if state.Get(it) {
			mark = "x"
		}
		b.WriteString("- [")
		b.WriteString(mark)
		b.WriteString("] ")
		b.WriteString(it.Label())
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	return b.String()
}

// HasSection reports whether doc contains a checklist section.
func HasSection(doc string) bool {
	_, ok := findSection(doc)
	return ok
}

// Section returns the raw text of the checklist section.
func Section(doc string) (string, bool) {
	sec, ok := findSection(doc)
	if !ok {
		return "", false
	}
	return doc[sec.start:sec.end], true
}

type section struct {
	start int // offset of the header line
	end   int // offset of the terminating heading, or len(doc)
}

func findSection(doc string) (section, bool) {
	start := -1
	offset := 0
	for {
		nl := strings.IndexByte(doc[offset:], '\n')
		line := doc[offset:]
		if nl >= 0 {
			line = doc[offset : offset+nl]
		}

		if start < 0 {
			if isHeader(line) {
				start = offset
			}
		} else if headingLevel(line) > 0 && headingLevel(line) <= 2 {
			return section{start: start, end: offset}, true
		}

		if nl < 0 {
			break
		}
		offset += nl + 1
	}

	if start < 0 {
		return section{}, false
	}
	return section{start: start, end: len(doc)}, true
}

func isHeader(line string) bool {
	return strings.TrimSpace(line) == Header
}

// headingLevel returns the ATX heading level of line, or 0.
func headingLevel(line string) int {
	trimmed := strings.TrimLeft(line, " ")
	if len(line)-len(trimmed) > 3 {
		return 0
	}
	level := 0
	for level < len(trimmed) && trimmed[level] == '#' {
		level++
	}
	if level == 0 || level > 6 {
		return 0
	}
	if level < len(trimmed) && trimmed[level] != ' ' && trimmed[level] != '\t' && trimmed[level] != '\r' {
		return 0
	}
	return level
}
