package codegen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/ent0n29/codecat/internal/reliability"
)

// ErrGenerate matches every failure returned by a Generator.
var ErrGenerate = errors.New("code generation failed")

// Error describes a failed generation. Status is the provider HTTP status
// when one was received.
type Error struct {
	Provider string
	Status   int
	Message  string
	Err      error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s: status %d: %s", e.Provider, e.Status, msg)
	}
	return fmt.Sprintf("%s: %s", e.Provider, msg)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == ErrGenerate }

// Class groups the failure by provider status. Without a status only network
// errors count as transport failures; reply parsing failures are permanent.
func (e *Error) Class() reliability.FailureClass {
	return reliability.Classify(e.Status, e.Err)
}

// Action is what a FileEdit does to its path.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// FileEdit is one proposed change to the repository.
type FileEdit struct {
	Path    string `json:"path"`
	Action  Action `json:"action"`
	Content string `json:"content,omitempty"`
}

// Committable reports whether the edit writes content. Deletes are not applied.
func (e FileEdit) Committable() bool {
	return e.Action == ActionCreate || e.Action == ActionUpdate
}

// Request is the input to a generation.
type Request struct {
	APIKey      string
	Model       string
	Description string
	Repo        string
	Branch      string
}

// Generator turns a task description into file edits.
type Generator interface {
	Generate(ctx context.Context, req Request) ([]FileEdit, error)
}

const systemPrompt = `You are CodeCat, an automated software engineer.
Given a repository and a task, reply with JSON only, in the form:
{"changes":[{"path":"relative/file/path","action":"create|update|delete","content":"full new file content"}]}
Use repository-relative paths. For create and update, content is the complete file. Omit content for delete.`

func userPrompt(req Request) string {
	return fmt.Sprintf("Repository: %s\nBranch: %s\n\nTask:\n%s", req.Repo, req.Branch, req.Description)
}

type changeSet struct {
	Changes []FileEdit `json:"changes"`
}

// ParseEdits decodes a model reply into validated edits. Markdown code fences
// around the JSON are tolerated.
func ParseEdits(provider, reply string) ([]FileEdit, error) {
	body := stripFences(reply)
	if body == "" {
		return nil, &Error{Provider: provider, Message: "empty response"}
	}

	var set changeSet
	if err := json.Unmarshal([]byte(body), &set); err != nil {
		return nil, &Error{Provider: provider, Message: "response is not a change set", Err: err}
	}
	if len(set.Changes) == 0 {
		return nil, &Error{Provider: provider, Message: "no changes generated"}
	}

	out := make([]FileEdit, 0, len(set.Changes))
	for i, edit := range set.Changes {
		edit.Path = strings.TrimPrefix(strings.TrimSpace(edit.Path), "/")
		edit.Action = Action(strings.ToLower(strings.TrimSpace(string(edit.Action))))
		if edit.Path == "" || strings.HasPrefix(path.Clean(edit.Path), "..") {
			return nil, &Error{Provider: provider, Message: fmt.Sprintf("change %d has an invalid path %q", i, edit.Path)}
		}
		switch edit.Action {
		case ActionCreate, ActionUpdate, ActionDelete:
		default:
			return nil, &Error{Provider: provider, Message: fmt.Sprintf("change %d has unknown action %q", i, edit.Action)}
		}
		out = append(out, edit)
	}
	return out, nil
}

func stripFences(reply string) string {
	s := strings.TrimSpace(reply)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = ""
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
