// Package ingest runs a streaming acquisition session: one reader goroutine
// fills a bounded channel with frames, one writer goroutine commits them to an
// array store dataset in arrival order, and an optional tee hands the same
// frames to a preview aggregator.
//
// The session never creates datasets and never closes the store; both belong
// to the caller.
package ingest
