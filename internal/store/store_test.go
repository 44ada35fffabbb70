package store

import (
	"strings"
	"testing"
)

func TestParseJSONL(t *testing.T) {
	body := strings.Join([]string{
		`{"meta": {"meta_description": "d"}, "turns": [{"role": "Human", "text": "q"}]}`,
		``,
		`not json`,
		`{"meta": {}, "turns": []}`,
	}, "\n")

	samples, diags := ParseJSONL([]byte(body))
	if len(samples) != 2 {
		t.Fatalf("parsed %d samples, want 2", len(samples))
	}
	if samples[0].MetaDescription() != "d" {
		t.Fatalf("meta lost: %+v", samples[0])
	}
	if len(diags) != 1 || !strings.HasPrefix(diags[0], "line 3:") {
		t.Fatalf("diags %v", diags)
	}
}

func TestParseJSONLEmpty(t *testing.T) {
	samples, diags := ParseJSONL(nil)
	if samples != nil || diags != nil {
		t.Fatalf("empty body produced %v %v", samples, diags)
	}
}

func TestMetaFloat(t *testing.T) {
	meta := map[string]any{"a": 9.5, "b": 7, "c": "x"}
	if got := metaFloat(meta, "a"); got != 9.5 {
		t.Fatalf("float %v", got)
	}
	if got := metaFloat(meta, "b"); got != 7 {
		t.Fatalf("int %v", got)
	}
	if got := metaFloat(meta, "c"); got != 0 {
		t.Fatalf("mistyped %v", got)
	}
	if got := metaFloat(meta, "missing"); got != 0 {
		t.Fatalf("missing %v", got)
	}
}
