// Package task implements the long-running task subsystem: durable task
// records governed by a status state machine, a cooperative-cancellation
// executor, and a runtime coordinator that sequences durable registration
// before execution begins. The Store interface defined here is implemented
// by the in-memory store in this package and by the sqlite, postgres, and
// dynamo backends under internal/platform.
package task
