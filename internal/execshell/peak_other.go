//go:build !linux

package execshell

import "os"

func peakResidentBytes(processState *os.ProcessState) uint64 {
	return 0
}
