// Package sources provides the client boundary to the open data portal.
//
// The package defines the Source interface used by the lifecycle engine to
// ask three questions of a configured resource:
//   - GetLastModified: when did the upstream data last change
//   - GetColumns: which columns does the resource currently expose
//   - OpenDownloadStream: stream the resource content in its configured format
//
// SocrataSource implements Source against the Socrata SODA API. Every
// failure it returns wraps ErrSourceUnavailable.
package sources
