// Package timing measures the wall-clock duration of a unit of work and reports
// start and completion lines either to a zap logger or to a plain writer.
package timing
