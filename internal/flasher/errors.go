package flasher

import "errors"

var (
	// ErrNoResponse is returned when a directed command gets no reply
	// within its timeout.
	ErrNoResponse = errors.New("flasher: no response from node")
	// ErrNoCorrection indicates the preamble-safe offset search failed to
	// find a valid correction byte; this should never happen for a
	// 68-byte block, since at most 68 of 256 offsets can be forbidden.
	ErrNoCorrection = errors.New("flasher: no valid preamble-safe correction found")
)
