// ABOUTME: Wire messages exchanged with relay subscribers
// ABOUTME: Outbound events and the inbound requests a subscriber may send

package relay

// Outbound message types.
const (
	TypeTaskUpdate      = "task-update"
	TypeTerminalCreated = "terminal-created"
	TypeTerminalOutput  = "terminal-output"
	TypeFileChange      = "file-change"
	TypeError           = "error"
)

// Inbound request types.
const (
	TypeTerminalCreate = "terminal-create"
	TypeTerminalInput  = "terminal-input"
)

// Message is one outbound event.
type Message struct {
	Type       string         `json:"type"`
	SessionID  string         `json:"sessionId,omitempty"`
	Data       string         `json:"data,omitempty"`
	OutputType string         `json:"outputType,omitempty"`
	ExitCode   *int           `json:"exitCode,omitempty"`
	State      map[string]any `json:"state,omitempty"`
	Path       string         `json:"path,omitempty"`
	Content    *string        `json:"content,omitempty"`
	Message    string         `json:"message,omitempty"`
}

// Request is one inbound message.
type Request struct {
	Type    string  `json:"type"`
	Data    *string `json:"data,omitempty"`
	Path    string  `json:"path,omitempty"`
	Content *string `json:"content,omitempty"`
}

// FileChange is the payload broadcast on the file-change topic.
type FileChange struct {
	Path    string
	Content *string
}

func errorMessage(msg string) Message {
	return Message{Type: TypeError, Message: msg}
}
