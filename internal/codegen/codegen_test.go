package codegen

import (
	"errors"
	"testing"
)

func TestParseEditsPlainJSON(t *testing.T) {
	edits, err := ParseEdits("test", `{"changes":[{"path":"/README.md","action":"Update","content":"hi"},{"path":"old.txt","action":"delete"}]}`)
	if err != nil {
		t.Fatalf("ParseEdits() error = %v", err)
	}
	if len(edits) != 2 {
		t.Fatalf("len(edits) = %d, want 2", len(edits))
	}
	if edits[0].Path != "README.md" || edits[0].Action != ActionUpdate {
		t.Fatalf("edits[0] = %+v", edits[0])
	}
	if edits[1].Committable() {
		t.Fatalf("delete edit should not be committable")
	}
}

func TestParseEditsFencedJSON(t *testing.T) {
	reply := "```json\n{\"changes\":[{\"path\":\"a.go\",\"action\":\"create\",\"content\":\"package a\\n\"}]}\n```"
	edits, err := ParseEdits("test", reply)
	if err != nil {
		t.Fatalf("ParseEdits() error = %v", err)
	}
	if edits[0].Content != "package a\n" {
		t.Fatalf("content = %q", edits[0].Content)
	}
}

func TestParseEditsRejects(t *testing.T) {
	cases := map[string]string{
		"empty":          "",
		"not json":       "sure, here you go",
		"no changes":     `{"changes":[]}`,
		"unknown action": `{"changes":[{"path":"a","action":"rename"}]}`,
		"escaping path":  `{"changes":[{"path":"../etc/passwd","action":"create","content":"x"}]}`,
		"blank path":     `{"changes":[{"path":" ","action":"create"}]}`,
	}
	for name, reply := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseEdits("test", reply)
			if !errors.Is(err, ErrGenerate) {
				t.Fatalf("ParseEdits() error = %v, want ErrGenerate", err)
			}
		})
	}
}
