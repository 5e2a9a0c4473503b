// Package arraystore implements the on-disk hierarchical container used for
// 4D-STEM acquisitions and their derived results.
//
// A store is a single SQLite file holding a tree of groups and datasets, an
// ordered typed attribute map per node, and dataset payloads split into
// chunks along the two scan axes. Every store is created with the fixed
// groups Reconstruction, Calibration and Scratch plus creation_time and
// format_version attributes on the root.
//
// Only one writer may hold a store at a time; the writer handle is an
// exclusive flock on "<path>.lock". OpenReadOnly inspects a store without
// taking the lock. All mutations are serialized by a store-wide mutex so a
// region write is visible either completely or not at all.
//
// Structural failures from CreateDataset, DeleteDataset, SetAttribute and
// DeleteAttribute are logged and reported as false; Traverse reports an empty
// result. Setup calls and region I/O return errors.
package arraystore
