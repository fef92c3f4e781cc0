// Package broker carries task chain messages between stages.
//
// Two implementations are provided: AMQP for deployments, routing by queue name over the
// default exchange, and Memory for tests and single-process runs.
package broker
