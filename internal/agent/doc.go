// Package agent resolves the agent id stored on a task to a configured
// action (an on-chain query, an outbound webhook or a plain echo) and runs
// it on behalf of the scheduler.
package agent
