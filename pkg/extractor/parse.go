package extractor

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	maxNameRunes  = 60
	maxCandidates = 10
)

// extractJSON isolates the outermost opener..closer pair from raw model
// output and collapses whitespace runs, which also repairs literal newlines
// the model tends to emit inside string values.
func extractJSON(s, opener, closer string) (string, error) {
	start := strings.Index(s, opener)
	if start == -1 {
		return "", fmt.Errorf("no %q found in response", opener)
	}
	end := strings.LastIndex(s, closer)
	if end < start {
		return "", fmt.Errorf("no closing %q found in response", closer)
	}
	return strings.Join(strings.Fields(s[start:end+1]), " "), nil
}

// parseCandidates parses an extraction response: a JSON array of
// {"name","description"} objects. Items with empty fields or over-budget
// names are dropped, names are deduplicated case-insensitively, and at most
// maxCandidates survive. Zero surviving items is a parse failure so the
// caller's reformat retry kicks in.
func parseCandidates(raw string) ([]Candidate, error) {
	text, err := extractJSON(raw, "[", "]")
	if err != nil {
		return nil, err
	}
	var items []Candidate
	if err := json.Unmarshal([]byte(text), &items); err != nil {
		return nil, fmt.Errorf("invalid JSON array: %w", err)
	}

	seen := make(map[string]bool)
	out := make([]Candidate, 0, len(items))
	for _, item := range items {
		c, ok := cleanCandidate(item)
		if !ok {
			continue
		}
		key := strings.ToLower(c.Name)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, c)
		if len(out) == maxCandidates {
			break
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no valid themes in response")
	}
	return out, nil
}

// parseCandidate parses a cluster-naming response: one JSON object.
func parseCandidate(raw string) (Candidate, error) {
	text, err := extractJSON(raw, "{", "}")
	if err != nil {
		return Candidate{}, err
	}
	var item Candidate
	if err := json.Unmarshal([]byte(text), &item); err != nil {
		return Candidate{}, fmt.Errorf("invalid JSON object: %w", err)
	}
	c, ok := cleanCandidate(item)
	if !ok {
		return Candidate{}, fmt.Errorf("incomplete theme in response")
	}
	return c, nil
}

func cleanCandidate(c Candidate) (Candidate, bool) {
	name := strings.TrimSpace(c.Name)
	desc := strings.TrimSpace(c.Description)
	if name == "" || desc == "" || utf8.RuneCountInString(name) > maxNameRunes {
		return Candidate{}, false
	}
	return Candidate{Name: name, Description: desc}, true
}

// cleanDescription trims a refresh response and removes one pair of
// surrounding quotes the model sometimes adds.
func cleanDescription(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') {
			s = s[1 : len(s)-1]
		}
	}
	return strings.TrimSpace(s)
}
