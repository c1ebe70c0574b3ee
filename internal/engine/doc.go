// Package engine runs notebooks asynchronously. It resolves the requested
// engine from the registry, drives the run through its lifecycle in the
// store, and persists and broadcasts per-cell progress events while the
// notebook executes.
package engine
