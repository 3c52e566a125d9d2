//go:build linux

package execshell

import (
	"os"
	"syscall"
)

const maxrssUnitBytesConstant = 1024

// peakResidentBytes reads ru_maxrss, which Linux reports in kibibytes.
func peakResidentBytes(processState *os.ProcessState) uint64 {
	if processState == nil {
		return 0
	}
	usage, available := processState.SysUsage().(*syscall.Rusage)
	if !available || usage == nil || usage.Maxrss <= 0 {
		return 0
	}
	return uint64(usage.Maxrss) * maxrssUnitBytesConstant
}
