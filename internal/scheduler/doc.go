// Package scheduler triggers periodic jobs (provider refreshes) on
// robfig/cron.
//
// Jobs are registered by name and upserted: setting a name again replaces
// the previous schedule, which is what config hot reload relies on.
// Interval schedules get a random startup spread so that many providers
// configured with the same cycle do not fetch at the same instant.
// A job still running when its next tick fires is skipped.
package scheduler
