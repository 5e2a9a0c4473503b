// Package events is the in-process observer hub. Task progress, terminal
// transitions, ingest progress and daemon log lines are published as Events
// with increasing sequence numbers; observers either register a Sink or
// long-poll with Fetch.
package events
