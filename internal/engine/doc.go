// Package engine orchestrates script execution. It owns the execution
// ledger's lifecycle transitions, enforces the one-concurrent-run rule via
// the run registry, feeds output simultaneously to durable storage and to
// live subscribers through the broker, and gates script activation on its
// eligibility preconditions.
package engine
