package memguard

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"

	"github.com/prometheus/procfs"
)

const (
	samplerProcessStringConstant       = "process"
	samplerSystemStringConstant        = "system"
	samplerRuntimeStringConstant       = "runtime"
	samplerChildStringConstant         = "child"
	kibibyteConstant                   = 1024
	unsupportedSamplerTemplateConstant = "unsupported memory sampler: %s"
	processStatErrorTemplateConstant   = "unable to read process status: %w"
	procfsOpenErrorTemplateConstant    = "unable to open procfs: %w"
	meminfoReadErrorTemplateConstant   = "unable to read meminfo: %w"
	meminfoIncompleteMessageConstant   = "meminfo lacks total, free, buffers or cached"
)

// ErrIncompleteMeminfo reports a /proc/meminfo without the fields needed to compute used memory.
var ErrIncompleteMeminfo = errors.New(meminfoIncompleteMessageConstant)

// Sampler reports a memory figure in bytes.
type Sampler interface {
	SampleBytes() (uint64, error)
}

// SamplerKind names a Sampler implementation in configuration.
type SamplerKind string

// Supported sampler kinds.
const (
	SamplerProcess SamplerKind = SamplerKind(samplerProcessStringConstant)
	SamplerSystem  SamplerKind = SamplerKind(samplerSystemStringConstant)
	SamplerRuntime SamplerKind = SamplerKind(samplerRuntimeStringConstant)
	SamplerChild   SamplerKind = SamplerKind(samplerChildStringConstant)
)

// UnmarshalText normalizes and validates a textual sampler kind.
func (kind *SamplerKind) UnmarshalText(text []byte) error {
	candidate := SamplerKind(strings.ToLower(strings.TrimSpace(string(text))))
	switch candidate {
	case SamplerProcess, SamplerSystem, SamplerRuntime, SamplerChild:
		*kind = candidate
		return nil
	default:
		return fmt.Errorf(unsupportedSamplerTemplateConstant, string(text))
	}
}

// NewSampler builds the sampler for the kind.
func NewSampler(kind SamplerKind) (Sampler, error) {
	switch kind {
	case SamplerProcess:
		return ProcessResidentSampler{}, nil
	case SamplerSystem:
		return SystemUsedSampler{}, nil
	case SamplerRuntime:
		return RuntimeSampler{}, nil
	case SamplerChild:
		return NewChildPeakSampler(), nil
	default:
		return nil, fmt.Errorf(unsupportedSamplerTemplateConstant, kind)
	}
}

// ProcessResidentSampler reports the resident set size of the current process from /proc/self/stat.
type ProcessResidentSampler struct{}

// SampleBytes implements Sampler.
func (ProcessResidentSampler) SampleBytes() (uint64, error) {
	process, selfError := procfs.Self()
	if selfError != nil {
		return 0, fmt.Errorf(processStatErrorTemplateConstant, selfError)
	}
	processStat, statError := process.Stat()
	if statError != nil {
		return 0, fmt.Errorf(processStatErrorTemplateConstant, statError)
	}
	return uint64(processStat.ResidentMemory()), nil
}

// SystemUsedSampler reports system-wide used memory from /proc/meminfo as
// total minus free, buffers and cached. Growth here includes child processes.
type SystemUsedSampler struct{}

// SampleBytes implements Sampler.
func (SystemUsedSampler) SampleBytes() (uint64, error) {
	filesystem, openError := procfs.NewDefaultFS()
	if openError != nil {
		return 0, fmt.Errorf(procfsOpenErrorTemplateConstant, openError)
	}
	meminfo, readError := filesystem.Meminfo()
	if readError != nil {
		return 0, fmt.Errorf(meminfoReadErrorTemplateConstant, readError)
	}
	return usedMemoryBytes(meminfo)
}

func usedMemoryBytes(meminfo procfs.Meminfo) (uint64, error) {
	if meminfo.MemTotal == nil || meminfo.MemFree == nil || meminfo.Buffers == nil || meminfo.Cached == nil {
		return 0, ErrIncompleteMeminfo
	}
	reclaimable := *meminfo.MemFree + *meminfo.Buffers + *meminfo.Cached
	if reclaimable >= *meminfo.MemTotal {
		return 0, nil
	}
	return (*meminfo.MemTotal - reclaimable) * kibibyteConstant, nil
}

// RuntimeSampler reports the memory the Go runtime obtained from the operating system.
// It works on every platform but ignores memory held outside the Go heap and runtime.
type RuntimeSampler struct{}

// SampleBytes implements Sampler.
func (RuntimeSampler) SampleBytes() (uint64, error) {
	var memoryStatistics runtime.MemStats
	runtime.ReadMemStats(&memoryStatistics)
	return memoryStatistics.Sys, nil
}

// PeakRecorder accepts the peak memory of work that has already finished.
type PeakRecorder interface {
	RecordPeak(peakBytes uint64)
}

// ChildPeakSampler reports the peak resident memory recorded for a finished child process.
// It reports zero until RecordPeak is called, so a guard built on it measures the whole
// footprint of the child. Use one sampler per child.
type ChildPeakSampler struct {
	mutex     sync.Mutex
	peakBytes uint64
}

// NewChildPeakSampler constructs an empty ChildPeakSampler.
func NewChildPeakSampler() *ChildPeakSampler {
	return &ChildPeakSampler{}
}

// RecordPeak keeps the largest peak recorded so far.
func (sampler *ChildPeakSampler) RecordPeak(peakBytes uint64) {
	sampler.mutex.Lock()
	defer sampler.mutex.Unlock()
	if peakBytes > sampler.peakBytes {
		sampler.peakBytes = peakBytes
	}
}

// SampleBytes implements Sampler.
func (sampler *ChildPeakSampler) SampleBytes() (uint64, error) {
	sampler.mutex.Lock()
	defer sampler.mutex.Unlock()
	return sampler.peakBytes, nil
}
