package monitor

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"bootbus/internal/proto"
)

// Codec encodes/decodes monitor-feed records. Stateless, safe for
// concurrent use. The wire shape is unrelated to the bus's own frame
// format (internal/proto.Encode/Decoder): this is a separate, simpler
// protocol between bootctl and observer clients.
//
// Record layout: 1-byte address kind (0 = short, 1 = long), address bytes
// (1 or 8), 1-byte cmd, 1-byte payload length, payload.
type Codec struct{}

const (
	kindShort = 0
	kindLong  = 1
)

// ErrInvalidKind is returned when a record's address-kind byte is neither
// kindShort nor kindLong.
var ErrInvalidKind = errors.New("monitor: invalid address kind byte")

// Encode packs records into a single buffer.
func (c *Codec) Encode(recs []proto.ReceiveRecord) []byte {
	if len(recs) == 0 {
		return nil
	}
	var buf bytes.Buffer
	_, _ = c.EncodeTo(&buf, recs)
	return buf.Bytes()
}

// EncodeTo writes recs to w and returns the byte count written.
func (c *Codec) EncodeTo(w io.Writer, recs []proto.ReceiveRecord) (int, error) {
	var total int
	for _, r := range recs {
		n, err := c.encodeOne(w, r)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (c *Codec) encodeOne(w io.Writer, r proto.ReceiveRecord) (int, error) {
	var head []byte
	if r.UID != nil {
		raw, err := hex.DecodeString(*r.UID)
		if err != nil || len(raw) != 8 {
			return 0, fmt.Errorf("monitor encode: %w", ErrInvalidKind)
		}
		head = append([]byte{kindLong}, raw...)
	} else {
		id := byte(0xFF)
		if r.ShortAddr != nil {
			id = *r.ShortAddr
		}
		head = []byte{kindShort, id}
	}
	head = append(head, r.Cmd, byte(len(r.Payload)))
	n, err := w.Write(head)
	if err != nil {
		return n, fmt.Errorf("monitor encode header: %w", err)
	}
	total := n
	if len(r.Payload) > 0 {
		n, err = w.Write(r.Payload)
		total += n
		if err != nil {
			return total, fmt.Errorf("monitor encode payload: %w", err)
		}
	}
	return total, nil
}

// Decode reads exactly one record from r.
func (c *Codec) Decode(r io.Reader) (proto.ReceiveRecord, error) {
	var rec proto.ReceiveRecord
	var kind [1]byte
	if _, err := io.ReadFull(r, kind[:]); err != nil {
		return rec, err
	}

	switch kind[0] {
	case kindShort:
		var id [1]byte
		if _, err := io.ReadFull(r, id[:]); err != nil {
			return rec, io.ErrUnexpectedEOF
		}
		v := id[0]
		rec.ShortAddr = &v
	case kindLong:
		var uid [8]byte
		if _, err := io.ReadFull(r, uid[:]); err != nil {
			return rec, io.ErrUnexpectedEOF
		}
		addr := proto.Long(uid)
		s := addr.UID()
		rec.UID = &s
	default:
		return rec, ErrInvalidKind
	}

	var tail [2]byte
	if _, err := io.ReadFull(r, tail[:]); err != nil {
		return rec, io.ErrUnexpectedEOF
	}
	rec.Cmd = tail[0]
	n := int(tail[1])
	if n > 0 {
		rec.Payload = make([]byte, n)
		if _, err := io.ReadFull(r, rec.Payload); err != nil {
			return rec, io.ErrUnexpectedEOF
		}
	}
	return rec, nil
}

// DecodeN decodes up to max records (or until EOF if max<=0), invoking
// onRecord for each.
func (c *Codec) DecodeN(r io.Reader, max int, onRecord func(proto.ReceiveRecord)) (int, error) {
	var n int
	for max <= 0 || n < max {
		rec, err := c.Decode(r)
		if err != nil {
			return n, err
		}
		onRecord(rec)
		n++
	}
	return n, nil
}
