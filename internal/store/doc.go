// Package store defines the persistence contracts for the service: the
// mirrored project catalog, runs and their poll observations, captured
// records, rollup metrics, incremental sessions, and capture activity.
// Implementations live in internal/storage; this package must not import
// database drivers or concrete clients.
package store
