// Package jobs hosts the periodic maintenance jobs of the daemon (daily
// staking rewards and the retention sweep) on a robfig/cron runner, with a
// period guard so each job fires at most once per period even when several
// instances run the same schedule.
package jobs
