// Package seeding fixes random-number generator state for reproducible experiment runs.
//
// Go's global generators cannot be reseeded (math/rand.Seed is a no-op since Go 1.24),
// so Seeder hands out explicit generators instead: a math/rand/v2 generator for
// general use and PCG sources that drive gonum distributions. Seeder also exports
// the hash-seed variable (PYTHONHASHSEED by default) and backend flags to the
// environment of processes spawned afterwards; the current process is unaffected.
package seeding
