// Package crawler drives a site crawl and feeds fetched pages into the
// indexing pipeline.
//
// An Engine walks the site and reports each fetched page to a Handler from its
// own worker goroutines, then reports completion exactly once. The Orchestrator
// is the Handler that turns pages into documents; Run wires the two together
// and returns a Summary for the caller.
package crawler
