package expand

import "testing"

func TestExpand(t *testing.T) {
	mapping := MappingFuncFor(map[string]string{
		"VAR_A": "A",
		"VAR_B": "B",
		"EMPTY": "",
	})

	cases := []struct {
		name  string
		input string
		want  string
	}{
		{name: "no refs", input: "plain text", want: "plain text"},
		{name: "single ref", input: "$(VAR_A)", want: "A"},
		{name: "ref in text", input: "foo $(VAR_A) bar", want: "foo A bar"},
		{name: "two refs", input: "$(VAR_A)$(VAR_B)", want: "AB"},
		{name: "empty value", input: "x$(EMPTY)y", want: "xy"},
		{name: "unmatched ref", input: "$(MISSING)", want: "$(MISSING)"},
		{name: "escaped operator", input: "$$(VAR_A)", want: "$(VAR_A)"},
		{name: "double escape", input: "$$$$", want: "$$"},
		{name: "lone operator", input: "a$", want: "a$"},
		{name: "operator then text", input: "$VAR_A", want: "$VAR_A"},
		{name: "incomplete ref", input: "$(VAR_A", want: "$(VAR_A"},
		{name: "nested ref stays literal", input: "$($(VAR_A))", want: "$($(VAR_A))"},
	}
	for _, c := range cases {
		if got := Expand(c.input, mapping); got != c.want {
			t.Fatalf("%s: Expand(%q) = %q, want %q", c.name, c.input, got, c.want)
		}
	}
}

func TestMappingFuncOrder(t *testing.T) {
	first := map[string]string{"X": "first"}
	second := map[string]string{"X": "second", "Y": "only"}
	mapping := MappingFuncFor(first, second)

	if got := Expand("$(X)", mapping); got != "first" {
		t.Fatalf("earlier map should win, got %q", got)
	}
	if got := Expand("$(Y)", mapping); got != "only" {
		t.Fatalf("fallthrough to later map failed, got %q", got)
	}
}
