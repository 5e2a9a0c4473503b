// Package preview maintains the live virtual image built while frames are
// ingested: every frame is integrated over an annular detector mask and the
// sum stored at the frame's scan position.
package preview
