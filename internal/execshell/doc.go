// Package execshell runs experiment child processes.
//
// Runner wraps os/exec: it merges extra environment variables into the inherited
// environment, streams the child's standard streams to the configured writers,
// and reports a non-zero exit status as part of the result rather than as an error.
package execshell
