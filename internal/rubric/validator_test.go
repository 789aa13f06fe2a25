package rubric

import (
	"reflect"
	"testing"
)

func TestValidateEmptyRubricPasses(t *testing.T) {
	v := NewValidator()
	res := v.Validate("anything at all", 0, Rubric{})
	if !res.Passed {
		t.Fatalf("expected empty rubric to pass")
	}
	if res.Score != 1.0 {
		t.Fatalf("expected score 1.0, got %v", res.Score)
	}
}

func TestValidateMissingElementsInRubricOrder(t *testing.T) {
	r := Rubric{
		MinCitations:     2,
		RequiredSections: []string{"Overview", "Details"},
		RequiredPatterns: []Pattern{
			{Name: "example", Match: "for example"},
			{Name: "summary", Match: "in summary"},
		},
	}
	text := "# Overview\n\nSome text with no details section. In summary, done."
	v := NewValidator()
	res := v.Validate(text, 0, r)

	if res.Passed {
		t.Fatalf("expected validation to fail")
	}
	want := []string{"citations", "section:Details", "example"}
	if !reflect.DeepEqual(res.MissingElements, want) {
		t.Fatalf("missing elements = %v, want %v", res.MissingElements, want)
	}
	// 2 of 5 markers satisfied: Overview section and the summary pattern.
	if res.Score != 0.4 {
		t.Fatalf("score = %v, want 0.4", res.Score)
	}
}

func TestValidateDeterministic(t *testing.T) {
	r := Rubric{
		MinCitations:     1,
		RequiredSections: []string{"Results"},
		RequiredPatterns: []Pattern{{Name: "number", Match: `\d+`, Regex: true}},
	}
	text := "## Results\n\nWe measured 42 things. [1] https://example.com"
	v := NewValidator()

	first := v.Validate(text, 1, r)
	for i := 0; i < 10; i++ {
		again := v.Validate(text, 1, r)
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("run %d differed: %+v vs %+v", i, first, again)
		}
	}
	if !first.Passed {
		t.Fatalf("expected pass, missing %v", first.MissingElements)
	}
}

func TestValidateSectionHeadingForms(t *testing.T) {
	r := Rubric{RequiredSections: []string{"Methodology"}}
	v := NewValidator()

	for _, text := range []string{
		"# Methodology\ncontent",
		"## methodology\ncontent",
		"Methodology:\ncontent",
		"- Methodology\ncontent",
	} {
		if res := v.Validate(text, 0, r); !res.Passed {
			t.Errorf("heading form %q not recognized", text)
		}
	}

	if res := v.Validate("the methodology we used was sound", 0, r); res.Passed {
		t.Errorf("inline mention should not satisfy a section requirement")
	}
}

func TestValidatePatternRegexAndSubstring(t *testing.T) {
	v := NewValidator()
	r := Rubric{RequiredPatterns: []Pattern{
		{Name: "version", Match: `v\d+\.\d+`, Regex: true},
		{Name: "greeting", Match: "HELLO"},
	}}
	res := v.Validate("hello, this is v1.2 of the tool", 0, r)
	if !res.Passed {
		t.Fatalf("expected pass, missing %v", res.MissingElements)
	}
}

func TestValidateInvalidRegexStaysTotal(t *testing.T) {
	v := NewValidator()
	r := Rubric{RequiredPatterns: []Pattern{{Name: "broken", Match: "([", Regex: true}}}
	res := v.Validate("any text", 0, r)
	if res.Passed {
		t.Fatalf("invalid regex should report the marker as missing")
	}
	if len(res.MissingElements) != 1 || res.MissingElements[0] != "broken" {
		t.Fatalf("missing = %v, want [broken]", res.MissingElements)
	}
}
