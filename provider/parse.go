package provider

import (
	"encoding/json"
	"strings"

	murmur "github.com/Paranoid-AF/murmur"
)

// DefaultMaxItems is used when a prompt does not set MaxItems.
const DefaultMaxItems = 4

type rawItem struct {
	Text        string `json:"text"`
	Description string `json:"description"`
}

// ParseItems extracts suggestions from model output. It accepts a JSON array
// of {text, description} objects or strings, optionally wrapped in a code
// fence or surrounded by prose, and otherwise falls back to one suggestion per
// line. Suggestions must share the input's first word; duplicates are dropped.
func ParseItems(output, input string, max int) []murmur.Item {
	if max <= 0 {
		max = DefaultMaxItems
	}
	raw, ok := parseJSONItems(output)
	if !ok {
		raw = parseLines(output)
	}

	trimmedInput := strings.TrimSpace(input)
	items := []murmur.Item{}
	seen := make(map[string]bool)
	for _, r := range raw {
		if len(items) >= max {
			break
		}
		text := collapseSpaces(strings.TrimSpace(strings.Trim(strings.TrimSpace(r.Text), "`")))
		if text == "" || seen[text] {
			continue
		}
		if trimmedInput != "" && firstWord(text) != firstWord(trimmedInput) {
			continue
		}
		seen[text] = true
		items = append(items, murmur.Item{Text: text, Description: strings.TrimSpace(r.Description)})
	}
	return items
}

func parseJSONItems(output string) ([]rawItem, bool) {
	s := stripFences(output)
	start := strings.IndexByte(s, '[')
	end := strings.LastIndexByte(s, ']')
	if start < 0 || end <= start {
		return nil, false
	}
	s = s[start : end+1]

	var objects []rawItem
	if err := json.Unmarshal([]byte(s), &objects); err == nil {
		return objects, true
	}
	var texts []string
	if err := json.Unmarshal([]byte(s), &texts); err == nil {
		out := make([]rawItem, len(texts))
		for i, t := range texts {
			out[i] = rawItem{Text: t}
		}
		return out, true
	}
	return nil, false
}

// stripFences removes a surrounding ``` block, with or without a language tag.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func parseLines(output string) []rawItem {
	var out []rawItem
	for _, line := range strings.Split(stripFences(output), "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "-*0123456789.) ")
		line = strings.TrimPrefix(line, "$ ")
		if line == "" || strings.HasPrefix(line, "<") {
			continue
		}
		out = append(out, rawItem{Text: line})
	}
	return out
}

// collapseSpaces replaces runs of multiple spaces with a single space.
func collapseSpaces(s string) string {
	var buf strings.Builder
	buf.Grow(len(s))
	prevSpace := false
	for _, r := range s {
		if r == ' ' {
			if !prevSpace {
				buf.WriteByte(' ')
			}
			prevSpace = true
		} else {
			buf.WriteRune(r)
			prevSpace = false
		}
	}
	return buf.String()
}

// firstWord returns the first whitespace-delimited word of s.
func firstWord(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, ' '); i > 0 {
		return s[:i]
	}
	return s
}
