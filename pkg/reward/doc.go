// Package reward decides whether a disposal earns the user a character.
//
// Decisions are pure: strategies read the catalog and ownership but never write.
// Granted decisions are persisted elsewhere, after the client has its answer.
package reward
