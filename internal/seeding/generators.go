package seeding

import (
	"math/rand/v2"
	"sync"

	"gonum.org/v1/gonum/stat/distuv"
)

// Stream selectors keep the generators derived from one seed independent of each other.
const (
	generalStreamConstant     uint64 = 0x9e3779b97f4a7c15
	numericStreamConstant     uint64 = 0xbf58476d1ce4e5b9
	tensorCPUStreamConstant   uint64 = 0x94d049bb133111eb
	acceleratorStreamConstant uint64 = 0xd6e8feb86659fd93
)

// NumericSource is a reseedable PCG stream safe for concurrent use.
// It satisfies the Src contract of gonum's distuv distributions.
type NumericSource struct {
	mutex  sync.Mutex
	stream uint64
	pcg    *rand.PCG
}

// NewNumericSource creates a source on the given stream seeded with seed.
func NewNumericSource(seed uint64, stream uint64) *NumericSource {
	return &NumericSource{stream: stream, pcg: rand.NewPCG(seed, stream)}
}

// Uint64 returns the next value of the stream.
func (source *NumericSource) Uint64() uint64 {
	source.mutex.Lock()
	defer source.mutex.Unlock()
	return source.pcg.Uint64()
}

// Seed resets the stream to the state derived from seed.
func (source *NumericSource) Seed(seed uint64) {
	source.mutex.Lock()
	defer source.mutex.Unlock()
	source.pcg.Seed(seed, source.stream)
}

// Generators bundles the generators fixed by one seed.
type Generators struct {
	seed          uint64
	generalSource *NumericSource

	// General serves general-purpose draws (shuffles, sampling, integers).
	General *rand.Rand
	// Numeric drives numeric distributions such as distuv.Normal.
	Numeric *NumericSource
}

// NewGenerators builds generators seeded with seed.
func NewGenerators(seed uint64) *Generators {
	generalSource := NewNumericSource(seed, generalStreamConstant)
	return &Generators{
		seed:          seed,
		generalSource: generalSource,
		General:       rand.New(generalSource),
		Numeric:       NewNumericSource(seed, numericStreamConstant),
	}
}

// Seed reports the seed the generators were last reset with.
func (generators *Generators) Seed() uint64 {
	return generators.seed
}

// Reseed resets every generator to the state derived from seed.
func (generators *Generators) Reseed(seed uint64) {
	generators.seed = seed
	generators.generalSource.Seed(seed)
	generators.Numeric.Seed(seed)
}

// Normal returns a normal distribution drawing from the numeric source.
func (generators *Generators) Normal(mean float64, standardDeviation float64) distuv.Normal {
	return distuv.Normal{Mu: mean, Sigma: standardDeviation, Src: generators.Numeric}
}

// Uniform returns a uniform distribution over [minimum, maximum) drawing from the numeric source.
func (generators *Generators) Uniform(minimum float64, maximum float64) distuv.Uniform {
	return distuv.Uniform{Min: minimum, Max: maximum, Src: generators.Numeric}
}

// Sample draws count values from the distribution.
func Sample(distribution distuv.Rander, count int) []float64 {
	if count <= 0 {
		return nil
	}
	samples := make([]float64, count)
	for sampleIndex := range samples {
		samples[sampleIndex] = distribution.Rand()
	}
	return samples
}

// ExtendedGenerators adds the tensor-runtime sources and backend flags fixed by Seeder.Extended.
type ExtendedGenerators struct {
	*Generators

	// CPU seeds host-side tensor initialization.
	CPU *NumericSource
	// Accelerator seeds device-side tensor initialization.
	Accelerator *NumericSource
	// Backend carries the caller's reproducibility and auto-tuning choices.
	Backend BackendOptions
}

// NewExtendedGenerators builds generators plus tensor sources seeded with seed.
func NewExtendedGenerators(seed uint64, backend BackendOptions) *ExtendedGenerators {
	return &ExtendedGenerators{
		Generators:  NewGenerators(seed),
		CPU:         NewNumericSource(seed, tensorCPUStreamConstant),
		Accelerator: NewNumericSource(seed, acceleratorStreamConstant),
		Backend:     backend,
	}
}

// Reseed resets every generator, including the tensor sources.
func (generators *ExtendedGenerators) Reseed(seed uint64) {
	generators.Generators.Reseed(seed)
	generators.CPU.Seed(seed)
	generators.Accelerator.Seed(seed)
}
