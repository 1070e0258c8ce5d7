package proto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeShortAddressLayout(t *testing.T) {
	frame, err := Encode(Short(0x05), 0xC1, nil)
	require.NoError(t, err)

	require.Len(t, frame, TxPreamble+1+1+1+1+4)
	for i := 0; i < TxPreamble; i++ {
		assert.Equal(t, byte(PreambleByte), frame[i])
	}
	body := frame[TxPreamble:]
	assert.Equal(t, byte(0x80), body[0]) // request, short address
	assert.Equal(t, byte(0x05), body[1])
	assert.Equal(t, byte(0xC1), body[2])
	assert.Equal(t, byte(0x00), body[3])
	assert.Equal(t, Checksum(body[:4]), uint32(body[4])|uint32(body[5])<<8|uint32(body[6])<<16|uint32(body[7])<<24)
}

func TestEncodeLongAddressSetsBit(t *testing.T) {
	frame, err := Encode(Long([8]byte{1, 2, 3, 4, 5, 6, 7, 8}), 0x11, []byte{0xAA})
	require.NoError(t, err)
	body := frame[TxPreamble:]
	assert.Equal(t, byte(0x82), body[0])
}

func TestEncodeRejectsOversizePayload(t *testing.T) {
	_, err := Encode(Short(0x01), 0x01, make([]byte, 256))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}
