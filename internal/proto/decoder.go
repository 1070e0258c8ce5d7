package proto

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"strings"

	"bootbus/internal/metrics"
)

// Decoder consumes an append-only byte stream and emits complete,
// CRC-verified frames. It is the response-side mirror of Encode: frames it
// accepts must carry header high nibble 0x8 and direction bit 1 (a
// response), which is the opposite of what Encode produces, since Encode
// only builds host requests.
//
// The shape (peek the accumulated buffer, consume a validated prefix,
// resync by dropping one byte on any mismatch) follows
// internal/serial.Codec.DecodeStream: scan for a marker, validate a
// candidate header, check a length-derived total against buffered bytes,
// verify a trailing checksum, and either emit-and-consume or advance one
// byte and retry. The marker here is a run of preamble bytes rather than a
// fixed two-byte tag, and the checksum is CRC-32 rather than an additive
// sum, but the resynchronization discipline is the same.
type Decoder struct {
	buf bytes.Buffer
}

// compactThreshold and compactRatio mirror internal/serial.CompactBuffer's
// thresholds: only reclaim a grown backing array once it is mostly
// consumed, to avoid copying on every call.
const (
	compactThreshold = 1024
	compactRatio     = 4
)

// compact reclaims the buffer's backing array once it has grown large
// relative to the unread bytes it still holds.
func compact(b *bytes.Buffer) {
	data := b.Bytes()
	if len(data) < compactThreshold {
		return
	}
	if cap(data) > 0 && len(data)*compactRatio < cap(data) {
		clone := append([]byte(nil), data...)
		b.Reset()
		_, _ = b.Write(clone)
	}
}

// Feed appends newly read bytes and invokes onFrame for every complete,
// valid frame it can now extract. Trailing partial bytes remain buffered
// for the next call.
func (d *Decoder) Feed(data []byte, onFrame func(ReceiveRecord)) {
	d.buf.Write(data)
	for {
		compact(&d.buf)
		view := d.buf.Bytes()

		idx, found := findCandidate(view)
		if !found {
			keep := len(view)
			if keep > RxPreamble {
				keep = RxPreamble
			}
			d.buf.Next(len(view) - keep)
			return
		}

		// idx is always >= RxPreamble here (findCandidate only reports a
		// candidate after a run of at least RxPreamble bytes). Trim any
		// excess preamble ahead of it, but always leave exactly RxPreamble
		// bytes in front of the header: if the frame turns out to be
		// incomplete we return without consuming anything further, and the
		// next Feed call must be able to rediscover this same candidate via
		// findCandidate rather than losing it.
		if trim := idx - RxPreamble; trim > 0 {
			d.buf.Next(trim)
			view = d.buf.Bytes()
		}
		idx = RxPreamble

		hdr := view[idx]
		if hdr&0xF0 != headerBase || hdr&directionBit != directionBit {
			d.buf.Next(idx + 1)
			continue
		}

		addrLen := 1
		if hdr&longAddrBit != 0 {
			addrLen = 8
		}
		lenPos := idx + 1 + addrLen + 1
		if len(view) <= lenPos {
			return // wait for more bytes; candidate stays aligned RxPreamble bytes in
		}
		dataLen := int(view[lenPos])
		total := idx + 1 + addrLen + 1 + 1 + dataLen + 4
		if len(view) < total {
			return
		}

		sum := Checksum(view[idx : total-4])
		got := binary.LittleEndian.Uint32(view[total-4 : total])
		if sum != got {
			metrics.IncCRCMismatch()
			d.buf.Next(idx + 1)
			continue
		}

		rec := ReceiveRecord{
			Cmd:     view[idx+1+addrLen],
			Payload: append([]byte(nil), view[idx+1+addrLen+1:total-4]...),
			Raw:     append([]byte(nil), view[idx:total]...),
		}
		if addrLen == 8 {
			uid := strings.ToUpper(hex.EncodeToString(view[idx+1 : idx+9]))
			rec.UID = &uid
		} else {
			id := view[idx+1]
			rec.ShortAddr = &id
		}

		onFrame(rec)
		metrics.IncFramesDecoded()
		d.buf.Next(total)
	}
}

// findCandidate scans for the first byte following a run of at least
// RxPreamble consecutive preamble bytes; that byte is a candidate header.
func findCandidate(data []byte) (idx int, found bool) {
	run := 0
	for i, b := range data {
		if b == PreambleByte {
			run++
			continue
		}
		if run >= RxPreamble {
			return i, true
		}
		run = 0
	}
	return 0, false
}
