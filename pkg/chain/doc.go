// Package chain runs the image scan as a chain of broker tasks:
//
//	vision -> rule -> answer -> reward => persist_reward
//
// Each stage is its own task on its own queue. A worker writes every received message
// to the task log before doing any work and acknowledges it only after the outcome is
// recorded, so a redelivered message is either skipped or resumed, never run twice to
// completion. Child task ids derive from the chain head, which makes a republished
// stage a duplicate rather than a second run.
//
// The reward stage only decides. A granted decision is handed to persist_reward after
// the done frame, so the ownership write never delays the answer.
package chain
