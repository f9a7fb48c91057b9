// Package crawler holds the domain types and port interfaces shared by the
// navigation engine: symbols, snapshots, ranked analysis results, and the
// surface, extractor, store, analysis, and blob collaborators that concrete
// adapters implement.
package crawler
