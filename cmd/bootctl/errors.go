package main

import "errors"

var (
	errMissingFile     = errors.New("bootctl: --file/-i is required")
	errVerifyMismatch  = errors.New("bootctl: remote CRC did not match the firmware image")
)
