// Package terminal runs interactive shells inside tenant workspaces.
//
// A session can only be created for a tenant that already has a running
// instance; sessions never start one. Each session's stdout and stderr are
// split into Chunks, kept in a bounded in-memory buffer for late readers and
// published on the events bus under (terminal-output, session id). The
// shell's exit is published as a final chunk.
//
// Closing a session sends SIGTERM to the shell's process group and SIGKILL
// once the grace period has passed.
package terminal
