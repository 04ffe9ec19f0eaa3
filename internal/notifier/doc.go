// Package notifier delivers operator alerts for job outcomes.
//
// The service subscribes to dispatcher events on the event bus (by default
// terminal failures and dropped runs), turns each into an Alert and sends it
// through a Sender, usually a JSON webhook.
//
// # Delivery
//
// Alerts go through a bounded queue drained by a small worker pool. Sends are
// rate limited, retried with jittered exponential backoff, and deduplicated
// per job and event within a window so a flapping job does not page every
// retry cycle.
//
// # History
//
// For operator visibility, the service keeps a small in-memory history of
// recently delivered alerts.
package notifier
