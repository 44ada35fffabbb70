package genloop

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"synthd/pkg/types"
)

// Greedy matches: generated text fields may themselves contain backticks
// or nested brackets, so both patterns run to the last closing marker.
var (
	fenceRe = regexp.MustCompile("(?s)```json\\s*(.*)\\s*```")
	arrayRe = regexp.MustCompile(`(?s)\[.*\]`)
	boxedRe = regexp.MustCompile(`\\boxed\{(\d+)\}`)
)

// ParseCandidates extracts generated candidates from a raw model response.
// It tries, in order: a ```json fenced block, the whole response, and the
// outermost bracketed array. A bare object is wrapped into a one-element
// list. Returns nil when nothing parses.
func ParseCandidates(response string) []types.Candidate {
	if m := fenceRe.FindStringSubmatch(response); m != nil {
		if out := decodeCandidates(strings.TrimSpace(m[1])); out != nil {
			return out
		}
	}
	if out := decodeCandidates(strings.TrimSpace(response)); out != nil {
		return out
	}
	if m := arrayRe.FindString(response); m != "" {
		var list []types.Candidate
		if err := json.Unmarshal([]byte(m), &list); err == nil {
			return list
		}
	}
	return nil
}

func decodeCandidates(s string) []types.Candidate {
	var list []types.Candidate
	if err := json.Unmarshal([]byte(s), &list); err == nil {
		return list
	}
	var single types.Candidate
	if err := json.Unmarshal([]byte(s), &single); err == nil && single.Turns != nil {
		return []types.Candidate{single}
	}
	return nil
}

// ParseScore extracts the judge score: a \boxed{N} marker wins, otherwise
// the last line holding a bare integer. Scores outside 0..10 are ignored.
func ParseScore(response string) (int, bool) {
	if m := boxedRe.FindStringSubmatch(response); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n >= 0 && n <= 10 {
			return n, true
		}
	}
	lines := strings.Split(strings.TrimSpace(response), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" || !isDigits(line) {
			continue
		}
		if n, err := strconv.Atoi(line); err == nil && n >= 0 && n <= 10 {
			return n, true
		}
	}
	return 0, false
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}
