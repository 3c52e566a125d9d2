// Package experiment runs a child experiment process inside a timed, seeded and
// memory-guarded scope, logging through the localized logger and reporting the
// outcome as Prometheus metrics and a YAML summary.
package experiment
