// Package workspace manages the per-tenant directory trees instances work in.
//
// Each (user, project) pair owns <root>/<user>/<project>/ with a reserved
// .sandbox/ subdirectory for tool-local configuration. Every operation that
// accepts a caller-supplied relative path goes through Resolve first, which
// rejects anything that would land outside the workspace with an
// *apperr.ValidationError.
package workspace
