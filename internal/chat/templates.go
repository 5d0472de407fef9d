package chat

import "fmt"

// Status values carried on payloads so bridges can style them.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusRejected   = "rejected"
	StatusFailed     = "failed"
	StatusExpired    = "expired"
)

const (
	ActionConfirm = "confirm"
	ActionReject  = "reject"
)

// Payload is the structured content of a message. Content is the plain-text
// rendering for surfaces without rich layouts.
type Payload struct {
	Title   string   `json:"title"`
	Body    string   `json:"body"`
	Status  string   `json:"status"`
	Content string   `json:"content"`
	URL     string   `json:"url,omitempty"`
	Footer  string   `json:"footer,omitempty"`
	Fields  []Field  `json:"fields,omitempty"`
	Actions []Action `json:"actions,omitempty"`
}

type Field struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// Action is an interactive control. ID is "codecat:<action>:<task id>".
type Action struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Style string `json:"style"`
}

// TaskSummary is the data every task template renders.
type TaskSummary struct {
	TaskID         string
	RequesterName  string
	RequesterID    string
	Repo           string
	Branch         string
	Description    string
	OriginJumpLink string
}

func ActionID(action, taskID string) string {
	return "codecat:" + action + ":" + taskID
}

func confirmationActions(taskID string) []Action {
	return []Action{
		{ID: ActionID(ActionConfirm, taskID), Label: "Confirm", Style: "success"},
		{ID: ActionID(ActionReject, taskID), Label: "Reject", Style: "danger"},
	}
}

func taskFields(s TaskSummary) []Field {
	return []Field{
		{Name: "Requested by", Value: Mention(s.RequesterID), Inline: true},
		{Name: "Repository", Value: s.Repo, Inline: true},
		{Name: "Branch", Value: s.Branch, Inline: true},
	}
}

func PendingPayload(s TaskSummary) Payload {
	return Payload{
		Title:  "New CodeCat Task Requested",
		Body:   fmt.Sprintf("%q", s.Description),
		Status: StatusPending,
		Content: fmt.Sprintf("%s requested a new CodeCat task\nPrompt: %q\nRepo: %s\nWaiting for admin confirmation...",
			Mention(s.RequesterID), s.Description, s.Repo),
		Footer:  "Waiting for admin confirmation...",
		Fields:  taskFields(s),
		Actions: confirmationActions(s.TaskID),
	}
}

func InProgressPayload(s TaskSummary) Payload {
	fields := append(taskFields(s), Field{Name: "Prompt", Value: s.Description})
	return Payload{
		Title:   "Development started...",
		Body:    "CodeCat is generating the pull request.",
		Status:  StatusInProgress,
		Content: "Development started... CodeCat is generating PR.",
		Fields:  fields,
	}
}

func CompletedPayload(prURL, requesterName string) Payload {
	return Payload{
		Title:   "PR created",
		Body:    fmt.Sprintf("[Open pull request](%s)", prURL),
		Status:  StatusCompleted,
		Content: "PR created: " + prURL,
		URL:     prURL,
		Footer:  "Requested by " + requesterName,
	}
}

func RejectedPayload(moderatorID, moderatorName string) Payload {
	return Payload{
		Title:   "Task rejected",
		Body:    fmt.Sprintf("Rejected by %s.", moderatorName),
		Status:  StatusRejected,
		Content: fmt.Sprintf("Task rejected by %s.", Mention(moderatorID)),
	}
}

func FailurePayload(message string) Payload {
	return Payload{
		Title:   "Something went wrong",
		Body:    message,
		Status:  StatusFailed,
		Content: message,
	}
}

// ConfirmationPromptPayload is the DM sent to each approver.
func ConfirmationPromptPayload(s TaskSummary) Payload {
	body := fmt.Sprintf("%q", s.Description)
	if s.OriginJumpLink != "" {
		body += "\n\nOriginal request: " + s.OriginJumpLink
	}
	return Payload{
		Title:   "CodeCat task awaiting your confirmation",
		Body:    body,
		Status:  StatusPending,
		Content: fmt.Sprintf("%s requested a CodeCat task on %s (%s). Confirm or reject below.", s.RequesterName, s.Repo, s.Branch),
		Fields:  taskFields(s),
		Actions: confirmationActions(s.TaskID),
	}
}

// ResolvedPromptPayload replaces a DM prompt once the task left pending.
func ResolvedPromptPayload(status, note string) Payload {
	if note == "" {
		note = "This task is no longer awaiting confirmation."
	}
	return Payload{
		Title:   "CodeCat task resolved",
		Body:    note,
		Status:  status,
		Content: note,
	}
}
