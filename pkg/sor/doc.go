// Package sor is the system of record: durable task outcomes, character ownership and
// the character catalog. Workers reach it through the WAL reconciler and the
// persist_reward stage, never on the user-facing path.
package sor
