package proto

import "encoding/binary"

// Wire constants from the bus's framing layout: a fixed preamble byte, the
// number of preamble bytes the host emits on every send, and the minimum
// contiguous run the decoder requires to lock onto an inbound frame.
const (
	PreambleByte = 0x7F
	TxPreamble   = 12
	RxPreamble   = 5

	headerBase   = 0x80 // fixed high-nibble pattern 1000, direction=0 (request)
	longAddrBit  = 0x02
	directionBit = 0x01
)

// Encode builds a complete wire frame: TxPreamble copies of PreambleByte,
// then header, address, cmd, len, payload, and a little-endian CRC-32 over
// everything from header through payload. The host always sends with
// direction=0 (request), so the header's low bit is never set here.
func Encode(addr Address, cmd byte, payload []byte) ([]byte, error) {
	if len(payload) > 255 {
		return nil, ErrPayloadTooLarge
	}
	addrBytes := addr.encode()

	hdr := byte(headerBase)
	if addr.IsLong() {
		hdr |= longAddrBit
	}

	body := make([]byte, 0, 1+len(addrBytes)+1+1+len(payload)+4)
	body = append(body, hdr)
	body = append(body, addrBytes...)
	body = append(body, cmd, byte(len(payload)))
	body = append(body, payload...)

	var crcBytes [4]byte
	binary.LittleEndian.PutUint32(crcBytes[:], Checksum(body))
	body = append(body, crcBytes[:]...)

	frame := make([]byte, 0, TxPreamble+len(body))
	for i := 0; i < TxPreamble; i++ {
		frame = append(frame, PreambleByte)
	}
	frame = append(frame, body...)
	return frame, nil
}

// ReceiveRecord is what the streaming decoder emits for each frame pulled
// off the bus. Exactly one of ShortAddr/UID is non-nil, mirroring the
// header's 64-bit address flag.
type ReceiveRecord struct {
	ShortAddr *byte
	UID       *string
	Cmd       byte
	Payload   []byte
	Raw       []byte
}
