// ABOUTME: One interactive shell process and its buffered output
// ABOUTME: Output writers split stdout and stderr into published chunks

package terminal

import (
	"sync"
	"time"

	"github.com/2389/sandboxd/internal/events"
	"github.com/2389/sandboxd/internal/proc"
)

// Chunk streams.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
	StreamExit   = "exit"
)

// Chunk is one piece of shell output, or the exit marker.
type Chunk struct {
	SessionID string    `json:"session_id"`
	Stream    string    `json:"stream"`
	Data      string    `json:"data,omitempty"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	Time      time.Time `json:"timestamp"`
}

// Session is a running (or exited) shell.
type Session struct {
	ID            string
	UserID        string
	ProjectID     string
	WorkspacePath string
	CreatedAt     time.Time

	proc *proc.Process
	bus  *events.Bus

	mu     sync.Mutex
	output []Chunk
	limit  int
}

// Exited reports whether the shell has exited.
func (s *Session) Exited() bool {
	return s.proc.Exited()
}

// Done is closed once the shell has exited.
func (s *Session) Done() <-chan struct{} {
	return s.proc.Done()
}

// Forced reports whether closing the session needed SIGKILL.
func (s *Session) Forced() bool {
	return s.proc.Forced()
}

// Pid returns the shell's process id.
func (s *Session) Pid() int {
	return s.proc.Pid()
}

// Output returns a copy of the buffered chunks, oldest first.
func (s *Session) Output() []Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Chunk, len(s.output))
	copy(out, s.output)
	return out
}

func (s *Session) append(c Chunk) {
	c.SessionID = s.ID
	if c.Time.IsZero() {
		c.Time = time.Now()
	}

	s.mu.Lock()
	s.output = append(s.output, c)
	if over := len(s.output) - s.limit; s.limit > 0 && over > 0 {
		s.output = append(s.output[:0], s.output[over:]...)
	}
	s.mu.Unlock()

	s.bus.Publish(events.Topic{Kind: events.KindTerminalOutput, ID: s.ID}, events.Event{Data: c})
}

// streamWriter turns writes from one output stream into chunks.
type streamWriter struct {
	session *Session
	stream  string
}

func (w *streamWriter) Write(p []byte) (int, error) {
	w.session.append(Chunk{Stream: w.stream, Data: string(p)})
	return len(p), nil
}
