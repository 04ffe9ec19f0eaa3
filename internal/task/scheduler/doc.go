// Package scheduler owns schedule registration and trigger evaluation.
//
// The scheduler is trigger-only:
//   - Registry holds named entries (job + trigger) and validates triggers
//   - Service evaluates cron and one-shot triggers and hands due jobs to the
//     dispatcher (internal/task/engine), which executes and retries them
package scheduler
