// Package core provides the fundamental types and interfaces for ecoscan.
//
// This package contains:
//   - Job and TaskMessage models
//   - The stage order table, frame wire encoding and sequence allocation
//   - Publisher and TaskLog interfaces implemented by the event bus and the WAL
//   - Error types and the error taxonomy used for retries and reason codes
//
// Most users should import the root package github.com/jdziat/ecoscan
// instead of this package directly.
package core
