// Package memguard fails a function call whose memory growth exceeds a limit.
//
// The guard samples memory immediately before the call and immediately after it
// returns successfully and compares the difference with the configured limit in
// gibibytes. Peaks between the two samples are not observed, and allocations made
// concurrently by other goroutines or processes are counted as growth.
package memguard
