package proto

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChecksumKnownValue(t *testing.T) {
	// CRC-32(IEEE) of "0x80 0x05 0xC1 0x00", the short-address request body
	// that TestEncodeShortAddressLayout encodes.
	assert.Equal(t, uint32(0x18374DC3), Checksum([]byte{0x80, 0x05, 0xC1, 0x00}))
}

func TestChecksumEmpty(t *testing.T) {
	assert.Equal(t, uint32(0), Checksum(nil))
}
