package prompt

import (
	"math/rand"
	"regexp"
	"strings"
	"testing"

	"synthd/pkg/types"
)

func testSample() types.Sample {
	return types.Sample{
		Meta: map[string]any{"meta_description": "extract entities from the user utterance"},
		Turns: []types.Turn{
			{Role: types.RoleHuman, Text: "transfer 200 to Alice"},
			{Role: types.RoleAssistant, Text: `[["transfer"],["200"],["Alice"],["now"]]`},
		},
	}
}

func TestGenerationPrompt(t *testing.T) {
	p, err := Generation(testSample(), 3, "never use real names", []string{"card fees", "fund redemption"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	for _, want := range []string{
		"produce 3 new conversations",
		"extract entities from the user utterance",
		"transfer 200 to Alice",
		"card fees; fund redemption",
		"never use real names",
		"```json",
	} {
		if !strings.Contains(p, want) {
			t.Errorf("generation prompt missing %q", want)
		}
	}
}

func TestJudgePrompt(t *testing.T) {
	cand := types.Candidate{Turns: []types.Turn{
		{Role: types.RoleHuman, Text: "hi"},
		{Role: types.RoleAssistant, Text: "hello"},
	}}
	p := Judge(testSample(), cand, "")
	if !strings.Contains(p, "Human: hi") || !strings.Contains(p, "Assistant: hello") {
		t.Fatalf("judge prompt missing conversation lines")
	}
	if !strings.Contains(p, `\boxed{X}`) {
		t.Fatalf("judge prompt missing boxed marker")
	}
	if strings.Contains(p, "special rules:\n") {
		t.Fatalf("empty special must not add the special-rules preamble")
	}

	p = Judge(testSample(), cand, "turns must stay in English")
	if !strings.Contains(p, "special rules:\nturns must stay in English") {
		t.Fatalf("special rules not rendered")
	}
}

func TestFilterPrompt(t *testing.T) {
	p := Filter("some raw content")
	if !strings.Contains(p, "[some raw content]") {
		t.Fatalf("filter prompt missing data")
	}
	if !strings.Contains(p, `\boxed{x}`) {
		t.Fatalf("filter prompt missing boxed marker")
	}
}

func TestDirectionsSamplesWithoutReplacement(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	pool := []string{"a", "b", "c", "d"}
	got := Directions(rng, "general", pool, 3)
	if len(got) != 3 {
		t.Fatalf("sampled %d, want 3", len(got))
	}
	seen := map[string]bool{}
	for _, d := range got {
		if seen[d] {
			t.Fatalf("duplicate direction %q", d)
		}
		seen[d] = true
	}

	if got := Directions(rng, "general", pool, 10); len(got) != len(pool) {
		t.Fatalf("oversized request must clamp to pool size, got %d", len(got))
	}
	if got := Directions(rng, "general", nil, 2); got != nil {
		t.Fatalf("empty pool must yield nil, got %v", got)
	}
}

func TestCalculationPayloads(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	phoneRe := regexp.MustCompile(`1[34578]\d{9}$`)
	idRe := regexp.MustCompile(`\d{17}[\dX]$`)
	codeRe := regexp.MustCompile(`(4|6)-digit verification code: \d+$`)

	for i := 0; i < 20; i++ {
		if got := Directions(rng, "calculation", []string{DirectionPhoneNumber}, 1); !phoneRe.MatchString(got[0]) {
			t.Fatalf("phone payload %q", got[0])
		}
		if got := Directions(rng, "calculation", []string{DirectionIDNumber}, 1); !idRe.MatchString(got[0]) {
			t.Fatalf("id payload %q", got[0])
		}
		if got := Directions(rng, "calculation", []string{DirectionVerificationCode}, 1); !codeRe.MatchString(got[0]) {
			t.Fatalf("code payload %q", got[0])
		}
		if got := Directions(rng, "calculation", nil, 1); !strings.Contains(got[0], "number of length") {
			t.Fatalf("fallback payload %q", got[0])
		}
	}
}

func TestCalculationPayloadDeterministicPerSeed(t *testing.T) {
	a := Directions(rand.New(rand.NewSource(7)), "calculation", []string{DirectionPhoneNumber}, 1)
	b := Directions(rand.New(rand.NewSource(7)), "calculation", []string{DirectionPhoneNumber}, 1)
	if a[0] != b[0] {
		t.Fatalf("same seed produced %q and %q", a[0], b[0])
	}
}
