package seeding

import (
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

const (
	cudnnConvolutionSearchKeyConstant       = "cudnn_conv_algo_search"
	cudnnConvolutionWorkspaceKeyConstant    = "cudnn_conv_use_max_workspace"
	cudnnSearchExhaustiveConstant           = "EXHAUSTIVE"
	cudnnSearchHeuristicConstant            = "HEURISTIC"
	cudnnWorkspaceDisabledConstant          = "0"
	deterministicThreadCountConstant        = 1
	runtimeInitializationErrorTemplate      = "unable to initialize tensor runtime: %w"
	sessionOptionsCreationErrorTemplate     = "unable to create session options: %w"
	cudaOptionsCreationErrorTemplate        = "unable to create CUDA provider options: %w"
	cudaProviderAppendErrorTemplate         = "unable to append CUDA execution provider: %w"
	intraOpThreadConfigurationErrorTemplate = "unable to pin intra-op threads: %w"
	interOpThreadConfigurationErrorTemplate = "unable to pin inter-op threads: %w"
	cudaOptionsUpdateErrorTemplate          = "unable to update CUDA provider options: %w"
)

// BackendOptions selects how the tensor runtime trades reproducibility for throughput.
// The two flags are independent; enabling both asks for reproducible kernels while still
// letting convolution algorithms be auto-tuned, which can reintroduce nondeterminism.
type BackendOptions struct {
	Deterministic bool `mapstructure:"deterministic" yaml:"deterministic"`
	Benchmark     bool `mapstructure:"benchmark" yaml:"benchmark"`
}

// DefaultBackendOptions favors throughput: auto-tuning on, deterministic kernels off.
func DefaultBackendOptions() BackendOptions {
	return BackendOptions{Deterministic: false, Benchmark: true}
}

// ThreadCount returns the thread pool size to request, where zero keeps the runtime default.
func (options BackendOptions) ThreadCount() int {
	if options.Deterministic {
		return deterministicThreadCountConstant
	}
	return 0
}

// CUDAProviderSettings returns the CUDA execution provider settings for the flags.
func (options BackendOptions) CUDAProviderSettings() map[string]string {
	settings := map[string]string{
		cudnnConvolutionSearchKeyConstant: cudnnSearchHeuristicConstant,
	}
	if options.Benchmark {
		settings[cudnnConvolutionSearchKeyConstant] = cudnnSearchExhaustiveConstant
	}
	if options.Deterministic {
		settings[cudnnConvolutionWorkspaceKeyConstant] = cudnnWorkspaceDisabledConstant
	}
	return settings
}

// SessionThreading is the subset of *ort.SessionOptions the backend flags act on.
type SessionThreading interface {
	SetIntraOpNumThreads(threadCount int) error
	SetInterOpNumThreads(threadCount int) error
}

// ProviderSettings is the subset of *ort.CUDAProviderOptions the backend flags act on.
type ProviderSettings interface {
	Update(settings map[string]string) error
}

var (
	_ SessionThreading = (*ort.SessionOptions)(nil)
	_ ProviderSettings = (*ort.CUDAProviderOptions)(nil)
)

// ConfigureSession applies the backend flags to session threading and, when cudaOptions is not nil,
// to CUDA provider settings.
func ConfigureSession(sessionOptions SessionThreading, cudaOptions ProviderSettings, backend BackendOptions) error {
	if threadCount := backend.ThreadCount(); threadCount > 0 {
		if intraOpError := sessionOptions.SetIntraOpNumThreads(threadCount); intraOpError != nil {
			return fmt.Errorf(intraOpThreadConfigurationErrorTemplate, intraOpError)
		}
		if interOpError := sessionOptions.SetInterOpNumThreads(threadCount); interOpError != nil {
			return fmt.Errorf(interOpThreadConfigurationErrorTemplate, interOpError)
		}
	}

	if cudaOptions == nil {
		return nil
	}
	if updateError := cudaOptions.Update(backend.CUDAProviderSettings()); updateError != nil {
		return fmt.Errorf(cudaOptionsUpdateErrorTemplate, updateError)
	}
	return nil
}

var (
	runtimeMutex       sync.Mutex
	runtimeInitialized bool
)

// InitializeRuntime loads the ONNX Runtime shared library once per process.
// An empty path keeps the library's default search.
func InitializeRuntime(sharedLibraryPath string) error {
	runtimeMutex.Lock()
	defer runtimeMutex.Unlock()

	if runtimeInitialized {
		return nil
	}

	if len(sharedLibraryPath) > 0 {
		ort.SetSharedLibraryPath(sharedLibraryPath)
	}

	if initializationError := ort.InitializeEnvironment(); initializationError != nil {
		return fmt.Errorf(runtimeInitializationErrorTemplate, initializationError)
	}

	runtimeInitialized = true
	return nil
}

// DestroyRuntime releases the ONNX Runtime environment.
func DestroyRuntime() error {
	runtimeMutex.Lock()
	defer runtimeMutex.Unlock()

	if !runtimeInitialized {
		return nil
	}
	if destroyError := ort.DestroyEnvironment(); destroyError != nil {
		return destroyError
	}
	runtimeInitialized = false
	return nil
}

// NewSessionOptions creates ONNX Runtime session options configured for the backend flags.
// With useCUDA the CUDA execution provider is appended using the matching cuDNN settings.
// The runtime must be initialized first. The caller owns the returned options.
func NewSessionOptions(backend BackendOptions, useCUDA bool) (*ort.SessionOptions, error) {
	sessionOptions, creationError := ort.NewSessionOptions()
	if creationError != nil {
		return nil, fmt.Errorf(sessionOptionsCreationErrorTemplate, creationError)
	}

	if !useCUDA {
		if configureError := ConfigureSession(sessionOptions, nil, backend); configureError != nil {
			sessionOptions.Destroy()
			return nil, configureError
		}
		return sessionOptions, nil
	}

	cudaOptions, cudaError := ort.NewCUDAProviderOptions()
	if cudaError != nil {
		sessionOptions.Destroy()
		return nil, fmt.Errorf(cudaOptionsCreationErrorTemplate, cudaError)
	}
	defer cudaOptions.Destroy()

	if configureError := ConfigureSession(sessionOptions, cudaOptions, backend); configureError != nil {
		sessionOptions.Destroy()
		return nil, configureError
	}

	if appendError := sessionOptions.AppendExecutionProviderCUDA(cudaOptions); appendError != nil {
		sessionOptions.Destroy()
		return nil, fmt.Errorf(cudaProviderAppendErrorTemplate, appendError)
	}

	return sessionOptions, nil
}
