// Package scoring holds the per-task-type rule scorers that gate generated
// candidates before the judge model runs.
package scoring

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Func scores an assistant answer on a 0..10 scale by format rules alone.
type Func func(answer string) int

var scorers = map[string]Func{
	"entity_extraction": entityExtraction,
	"general":           general,
	"question_rewrite":  questionRewrite,
	"calculation":       general,
}

// ForTask returns the scorer for taskType, falling back to the general
// scorer for unknown types.
func ForTask(taskType string) Func {
	if f, ok := scorers[taskType]; ok {
		return f
	}
	return general
}

// Names lists the registered task types in stable order.
func Names() []string {
	out := make([]string, 0, len(scorers))
	for name := range scorers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// entityExtraction validates the nested slot-list answer format. Any rule
// violation zeroes the score; "[ ]" is the valid empty answer.
func entityExtraction(answer string) int {
	answer = strings.TrimSpace(answer)
	if answer == "[ ]" {
		return 10
	}
	if !strings.HasPrefix(answer, "[[") || !strings.HasSuffix(answer, "]]") {
		return 0
	}
	left := strings.Count(answer, "[")
	if left != strings.Count(answer, "]") || left < 2 {
		return 0
	}
	if strings.Contains(answer, "\n") {
		return 0
	}

	var slots [][]string
	if err := json.Unmarshal([]byte(answer), &slots); err != nil {
		return 0
	}
	if len(slots) == 0 {
		return 10
	}
	// Exactly four parallel slot lists of equal length.
	if len(slots) != 4 {
		return 0
	}
	base := len(slots[0])
	for _, s := range slots {
		if len(s) != base {
			return 0
		}
	}
	timeSlot := fmt.Sprint(slots[3])
	for _, unit := range []string{"YYYY", "MM", "DD", "HH", "SS", "时", "分", "秒"} {
		if strings.Contains(timeSlot, unit) {
			return 0
		}
	}
	// Compound separators in slot 3 must carry through to slot 4.
	for i := range slots[2] {
		if strings.Contains(slots[2][i], "|") && !strings.Contains(slots[3][i], "|") {
			return 0
		}
		if strings.Contains(slots[2][i], "&") && !strings.Contains(slots[3][i], "&") {
			return 0
		}
	}
	return 10
}

var structureRe = regexp.MustCompile(`(?s)(\{.*?\}|\[.*?\])`)

var fillerPhrases = []string{"in summary", "according to", "as follows", "to conclude"}

// general starts at 10 and deducts for explanatory filler and for embedded
// brace/bracket structures that fail to parse as JSON.
func general(answer string) int {
	if strings.TrimSpace(answer) == "" {
		return 0
	}
	score := 10
	lower := strings.ToLower(answer)
	for _, phrase := range fillerPhrases {
		if strings.Contains(lower, phrase) {
			score -= 2
			break
		}
	}
	if strings.ContainsAny(answer, "{}[]") {
		for _, m := range structureRe.FindAllString(answer, -1) {
			if !json.Valid([]byte(m)) {
				score -= 5
				break
			}
		}
	}
	if score < 0 {
		score = 0
	}
	return score
}

// questionRewrite accepts any answer that is valid JSON.
func questionRewrite(answer string) int {
	if json.Valid([]byte(strings.TrimSpace(answer))) {
		return 10
	}
	return 0
}
