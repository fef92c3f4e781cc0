// Package security provides validation, sanitization, and limits for ecoscan.
//
// This package includes:
//   - Input validation for job ids, task ids, queue names and image urls
//   - Error message sanitization before anything is persisted or published
//   - Clamping functions for attempts, concurrency and priorities
package security
