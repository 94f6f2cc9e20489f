// Package lifecycle implements the dataset lifecycle engine.
//
// Three procedures share one record store and one artifact directory:
//   - Detector registers a pending dataset whenever the portal reports a new
//     reference date for a resource, demoting superseded pending datasets.
//   - Publisher downloads the oldest pending dataset of each resource into a
//     staging file and promotes it, with its gzip copy, over the current pair.
//   - Evictor applies the age and size retention policies to downloaded
//     datasets, honouring retainLastFile.
//
// Every status change is committed to the store before a notification is
// queued, so the store is always the source of truth.
package lifecycle
