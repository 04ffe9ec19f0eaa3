// Package stats is the boundary to the statistics service: the Collaborator
// interface the jobs call, and an HTTP JSON client that implements it.
//
// Scraping, modelling and the statistics store live behind that service.
package stats
