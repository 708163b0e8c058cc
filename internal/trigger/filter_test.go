package trigger

import (
	"strings"
	"testing"
)

func TestMatchFilter_InRule(t *testing.T) {
	filter := map[string]FilterRule{
		"payload.op": {In: []any{"create", "write"}},
	}
	ev := EventView{Payload: struct{ Op string }{Op: "write"}}
	if !matchFilter(filter, ev) {
		t.Fatal("expected match")
	}

	ev2 := EventView{Payload: struct{ Op string }{Op: "remove"}}
	if matchFilter(filter, ev2) {
		t.Fatal("expected no match")
	}
}

func TestMatchFilter_PatternRule(t *testing.T) {
	filter := map[string]FilterRule{
		"payload.path": {Pattern: `\.go$`},
	}
	ev := EventView{Payload: struct{ Path string }{Path: "main.go"}}
	if !matchFilter(filter, ev) {
		t.Fatal("expected match")
	}
}

func TestMatchFilter_PatternWithNestedQuantifierNonMatch(t *testing.T) {
	filter := map[string]FilterRule{
		"payload.path": {Pattern: `(a+)+$`},
	}
	ev := EventView{Payload: struct{ Path string }{Path: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa!"}}
	if matchFilter(filter, ev) {
		t.Fatal("expected no match: string does not end in a run of a's")
	}
}

func TestMatchFilter_PatternExceedingLengthCapsIsRejected(t *testing.T) {
	filter := map[string]FilterRule{
		"payload.path": {Pattern: strings.Repeat("a", maxPatternLen+1)},
	}
	ev := EventView{Payload: struct{ Path string }{Path: "main.go"}}
	if matchFilter(filter, ev) {
		t.Fatal("pattern over maxPatternLen must be rejected")
	}

	filter2 := map[string]FilterRule{
		"payload.path": {Pattern: "a"},
	}
	ev2 := EventView{Payload: struct{ Path string }{Path: strings.Repeat("a", maxInputLen+1)}}
	if matchFilter(filter2, ev2) {
		t.Fatal("input over maxInputLen must be rejected")
	}
}

func TestMatchFilter_PatternMatchesWithinLengthCaps(t *testing.T) {
	filter := map[string]FilterRule{
		"payload.path": {Pattern: `^a+\.go$`},
	}
	ev := EventView{Payload: struct{ Path string }{Path: strings.Repeat("a", maxInputLen-3) + ".go"}}
	if !matchFilter(filter, ev) {
		t.Fatal("expected match: input is within maxInputLen and completes well under the deadline")
	}
}

func TestMatchFilter_NonObjectIntermediateIsUndefined(t *testing.T) {
	filter := map[string]FilterRule{
		"payload.path.nested": {Equals: "x"},
	}
	ev := EventView{Payload: struct{ Path string }{Path: "main.go"}}
	if matchFilter(filter, ev) {
		t.Fatal("walking through a non-object intermediate must not match")
	}
}

func TestMatchFilter_ANDAcrossFields(t *testing.T) {
	filter := map[string]FilterRule{
		"payload.op":   {Equals: "write"},
		"payload.path": {Pattern: `\.go$`},
	}
	ev := EventView{Payload: struct {
		Op   string
		Path string
	}{Op: "write", Path: "main.go"}}
	if !matchFilter(filter, ev) {
		t.Fatal("expected AND match")
	}

	ev2 := EventView{Payload: struct {
		Op   string
		Path string
	}{Op: "write", Path: "main.txt"}}
	if matchFilter(filter, ev2) {
		t.Fatal("expected AND to fail when one field mismatches")
	}
}
