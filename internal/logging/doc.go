// Package logging builds the zap loggers used by expkit.
//
// Factory creates the diagnostic logger for the command-line front end.
// Initializer configures experiment loggers that write every line both to a
// log file and to the console in the "<timestamp> [<LEVEL>] <message>" layout,
// optionally rendering timestamps in a fixed time zone (Asia/Tokyo by default)
// through the localized time encoder.
package logging
