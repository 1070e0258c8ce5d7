package proto

import "errors"

// Sentinel errors for frame construction failures. Callers classify with
// errors.Is; neither is retried by anything in this package.
var (
	ErrInvalidAddress  = errors.New("proto: invalid address")
	ErrPayloadTooLarge = errors.New("proto: payload exceeds 255 bytes")
)
