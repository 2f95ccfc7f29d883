// Package testutil provides test utilities for cds, including:
//   - Miniredis helpers for unit tests (miniredis.go)
//   - Quiet loggers shared by package tests (fixtures.go)
//
// None of the helpers require Docker or a running Redis.
package testutil
