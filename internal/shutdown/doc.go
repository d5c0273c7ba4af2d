// Package shutdown runs registered cleanup hooks when the process stops.
//
// Hooks run in reverse registration order under one shared timeout, so a
// hook registered late (closing the listener) runs before one registered
// early (stopping every instance). A failing hook is logged and the rest
// still run. When the timeout passes, Run stops waiting and reports
// context.DeadlineExceeded.
//
// ListenForSignals turns the first termination signal into a Run followed
// by process exit; a second signal while hooks are running exits at once
// with status 1.
package shutdown
