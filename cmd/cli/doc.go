// Package cli constructs the expkit command-line interface, wiring the Cobra
// command hierarchy, the Viper-backed configuration loader, and the zap
// diagnostic logger around the experiment, seeding, and logging commands.
package cli
