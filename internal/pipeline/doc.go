// Package pipeline composes the statpulse jobs from the stats collaborator
// and binds them to the default schedule table and the startup plan.
package pipeline
