// Package frames reads raw 4D-STEM detector dumps and their XML descriptors
// and streams the frames, one per scan position, into a bounded channel.
//
// A stream always ends by closing its output channel, including after read
// failures and cancellation, so consumers draining the channel terminate.
package frames
