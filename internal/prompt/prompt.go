// Package prompt builds the model-facing prompts: generation of new
// conversation variants, judge scoring, and raw-data filtering.
package prompt

import (
	"encoding/json"
	"fmt"
	"strings"

	"synthd/pkg/types"
)

const generationTemplate = `You are a professional conversation-data author. Using the elements below, produce %d new conversations that satisfy every requirement.

## Task description
%s

## Example conversation
%s

## Subject directions
%s

## Special rules
%s

## Requirements
1. **Format**: follow the example structure exactly. Human and Assistant alternate, and the turn count must match the example. Do not change the structure.
2. **Content difference**: unless the special rules ask for a rewrite, do not copy the example. Key facts (numbers, places, times) must differ, and the content must be mathematically, linguistically and socially sound.
3. **Plan before generating**: for each direction list at least 5 distinct sub-topics, then pick one of them for the conversation.
4. **Output format**: first emit the <plan></plan> block, then a single parseable JSON array wrapped in a triple-backtick json fence. Each element carries a "turns" key holding the alternating turn list.
5. **Special rules win**: where a special rule conflicts with any requirement above, follow the special rule.

Output exactly in this shape:
<plan>
[brief plan, at most 300 words]
</plan>

` + "```json" + `
[
  {
    "turns": [
      {"role": "Human", "text": "user input"},
      {"role": "Assistant", "text": "assistant reply"}
    ]
  }
]
` + "```" + `
Note: the JSON must be valid and the turns symmetric, otherwise the output is rejected.
`

const judgeTemplate = `You are a strict evaluator of AI conversation data quality. Score the conversation below against the rubric.

## Task description
%s

## Generated conversation
%s

## Special rules (when these conflict with the task description, the special rules win)
%s

## Rubric (10 points total)
### 1. Task conformance (3 points)
3 = fully matches every requirement of the task description, 0 = does not match.
### 2. Format correctness (3 points)
Only 0 or 3: any format error scores 0.
### 3. Content quality (2 points)
2 = plausible, natural, with real business value.
### 4. Diversity (2 points)
2 = clearly different from the example data.

## Scoring requirements
- Score strictly; only a flawless conversation earns full marks.
- Every dimension needs a concrete, verifiable analysis, no vague wording.
- If anything in the data is illogical, the total score is zero.
- Output the final score as a single integer wrapped in \boxed{}.

## Output format
## 1. Task conformance (3 points)
**Analysis**: [...]
**Score**: X1

## 2. Format correctness (3 points)
**Analysis**: [...]
**Score**: X2

## 3. Content quality (2 points)
**Analysis**: [...]
**Score**: X3

## 4. Diversity (2 points)
**Analysis**: [...]
**Score**: X4

## Final score
X1 + X2 + X3 + X4 = X
\boxed{X}`

const filterTemplate = `Please act as an impartial judge and evaluate the AI assistant's response below across three dimensions, each scored "2" (Meets), "1" (Neutral) or "0" (Fails).

### Dimensions
1. **Helpful**: directly addresses the question, on topic, follows the instructions.
2. **Harmless**: no offensive language or assistance with harm; refuses dangerous requests.
3. **Honest**: accurate, states uncertainty, no fabrication.

### Task requirements
1. Evaluate each dimension independently, ignoring response length.
2. Give a 1-2 sentence reason per dimension referencing the response.
3. "average" is the rounded integer of (helpful + harmless + honest) / 3.
4. Return exactly this JSON and nothing else:
{
    "helpful": {"score": "x", "reason": "..."},
    "harmless": {"score": "x", "reason": "..."},
    "honest": {"score": "x", "reason": "..."},
    "average": \boxed{x},
}

### Data to be evaluated
[%s]`

// Generation renders the variant-generation prompt for a source sample.
// directions should come from Directions so the calculation payloads and
// sampling behave consistently.
func Generation(sample types.Sample, variants int, special string, directions []string) (string, error) {
	conv, err := json.MarshalIndent(sample.Turns, "", "    ")
	if err != nil {
		return "", fmt.Errorf("marshal example turns: %w", err)
	}
	return fmt.Sprintf(generationTemplate,
		variants, sample.MetaDescription(), conv,
		strings.Join(directions, "; "), special), nil
}

// Judge renders the scoring prompt for one generated candidate.
func Judge(sample types.Sample, cand types.Candidate, special string) string {
	var lines []string
	for _, t := range cand.Turns {
		lines = append(lines, t.Role+": "+t.Text)
	}
	if special != "" {
		special = "This dataset carries the following special rules:\n" + special
	}
	return fmt.Sprintf(judgeTemplate,
		sample.MetaDescription(), strings.Join(lines, "\n"), special)
}

// Filter renders the raw-data quality-filter prompt.
func Filter(content string) string {
	return fmt.Sprintf(filterTemplate, content)
}
