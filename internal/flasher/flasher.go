// Package flasher drives firmware broadcast to bootloader nodes: entering
// bootloader mode, setting node identity, writing preamble-safe encoded
// blocks, and verifying the flashed image by remote CRC.
package flasher

import (
	"encoding/binary"
	"time"

	"bootbus/internal/logging"
	"bootbus/internal/metrics"
	"bootbus/internal/proto"
	"bootbus/internal/transport"
)

// Default timeouts and pacing, grounded on spec.md §4.5's stated defaults.
const (
	defaultEnterDuration = 1 * time.Second
	enterPause           = 200 * time.Millisecond
	responseTimeout      = 200 * time.Millisecond

	// verifyTimeout bounds BOOT_GET_CRC's response wait. A node computing a
	// CRC over a multi-KB flash range needs much longer than an ack-style
	// exchange at typical bus baud rates, matching uploader.py's
	// get_verify_crc(..., timeout=1.0).
	verifyTimeout = 1 * time.Second
)

// Flasher wraps a Bus with the bootloader command sequences a firmware
// update requires. It holds no state of its own beyond the bus handle, so
// a single instance can drive repeated updates.
type Flasher struct {
	bus *transport.Bus
}

// New wraps bus for flashing use.
func New(bus *transport.Bus) *Flasher {
	return &Flasher{bus: bus}
}

// EnterBootloader writes a sustained stream of the raw preamble byte for
// duration (defaulting to 1s when duration <= 0), pausing 200ms afterward.
// This bypasses the frame codec entirely: application firmware watches for
// a sustained 0x7F run, not a valid frame, to decide to jump to the
// bootloader.
func (f *Flasher) EnterBootloader(duration time.Duration) error {
	if duration <= 0 {
		duration = defaultEnterDuration
	}
	const chunkSize = 256
	chunk := make([]byte, chunkSize)
	for i := range chunk {
		chunk[i] = proto.PreambleByte
	}

	deadline := time.Now().Add(duration)
	for time.Now().Before(deadline) {
		if err := f.bus.WriteRaw(chunk); err != nil {
			return err
		}
	}
	time.Sleep(enterPause)
	return nil
}

// SetFwID sets addr's firmware id byte via BOOT_SET_NODE_INFO.
func (f *Flasher) SetFwID(addr proto.Address, fw byte) error {
	return f.setNodeInfo(addr, proto.KindFwID, fw)
}

// SetNodeID sets addr's node id byte via BOOT_SET_NODE_INFO.
func (f *Flasher) SetNodeID(addr proto.Address, id byte) error {
	return f.setNodeInfo(addr, proto.KindNodeID, id)
}

func (f *Flasher) setNodeInfo(addr proto.Address, kind, value byte) error {
	if err := f.bus.Send(addr, proto.CmdSetNodeInfo, []byte{kind, value}); err != nil {
		return err
	}
	_, ok := f.bus.Recv(responseTimeout)
	if !ok {
		return ErrNoResponse
	}
	return nil
}

// UpdateFirmware pads image to a multiple of proto.BlockSize with 0xFF, silences
// the bus, then broadcasts one preamble-safe BOOT_WRITE per block before
// unsilencing. onBlock, if non-nil, is called after each block is written
// with its index and the total block count.
func (f *Flasher) UpdateFirmware(fwID byte, image []byte, onBlock func(i, total int)) error {
	blocks := padToBlocks(image)
	total := len(blocks) / proto.BlockSize
	broadcast := proto.Broadcast()

	if err := f.bus.Send(broadcast, proto.CmdSilence, nil); err != nil {
		return err
	}

	for i := 0; i < total; i++ {
		block := blocks[i*proto.BlockSize : (i+1)*proto.BlockSize]
		raw := blockAddressPrefix(uint32(i)) // 4 address bytes
		raw = append(raw, block...)

		corr, ok := findCorrection(raw)
		if !ok {
			// Guaranteed to exist per the protocol's pigeonhole argument; a
			// miss here means the search itself is broken.
			return ErrNoCorrection
		}

		payload := make([]byte, 2+len(raw))
		payload[0] = fwID
		payload[1] = corr
		for j, b := range raw {
			payload[2+j] = byte(b - corr)
		}

		if err := f.bus.Send(broadcast, proto.CmdWrite, payload); err != nil {
			return err
		}
		metrics.IncBlocksWritten()
		if onBlock != nil {
			onBlock(i, total)
		}
	}

	return f.bus.Send(broadcast, proto.CmdUnsilence, nil)
}

// padToBlocks right-pads image with 0xFF to the next multiple of
// proto.BlockSize.
func padToBlocks(image []byte) []byte {
	rem := len(image) % proto.BlockSize
	if rem == 0 {
		out := make([]byte, len(image))
		copy(out, image)
		return out
	}
	pad := proto.BlockSize - rem
	out := make([]byte, len(image)+pad)
	copy(out, image)
	for i := len(image); i < len(out); i++ {
		out[i] = 0xFF
	}
	return out
}

// blockAddressPrefix returns the little-endian flash address for block i.
func blockAddressPrefix(i uint32) []byte {
	addr := proto.FlashBaseAddr + proto.BlockSize*i
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, addr)
	return b
}

// findCorrection finds the smallest offset in [0,255] such that no byte in
// raw, after subtracting the offset modulo 256, equals the preamble byte.
// At most len(raw) offsets are forbidden, and the search space is 256
// wide, so for any block up to 255 bytes a valid offset always exists.
func findCorrection(raw []byte) (byte, bool) {
	forbidden := make([]bool, 256)
	for _, b := range raw {
		off := int(b) - int(proto.PreambleByte)
		off &= 0xFF
		forbidden[off] = true
	}
	for corr := 0; corr < 256; corr++ {
		if !forbidden[corr] {
			return byte(corr), true
		}
	}
	return 0, false
}

// GetVerifyCRC requests the remote CRC-32 over [proto.FlashBaseAddr,
// proto.FlashBaseAddr+length) and returns it, or false if no response arrived
// within the timeout.
func (f *Flasher) GetVerifyCRC(length uint32) (uint32, bool) {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint32(payload[0:4], proto.FlashBaseAddr)
	binary.LittleEndian.PutUint32(payload[4:8], length)

	if err := f.bus.Send(proto.Broadcast(), proto.CmdGetCRC, payload); err != nil {
		logging.L().Warn("verify_crc_send_failed", "error", err)
		return 0, false
	}
	rec, ok := f.bus.Recv(verifyTimeout)
	if !ok || len(rec.Payload) < 4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(rec.Payload[:4]), true
}

// VerifyImage fetches the remote CRC over the unpadded image's length and
// compares it against the CRC of image itself, recording the outcome in
// the verify-match/mismatch counters.
func (f *Flasher) VerifyImage(image []byte) (bool, error) {
	remote, ok := f.GetVerifyCRC(uint32(len(image)))
	if !ok {
		metrics.IncVerifyMismatch()
		return false, ErrNoResponse
	}
	match := remote == proto.Checksum(image)
	if match {
		metrics.IncVerifyMatch()
	} else {
		metrics.IncVerifyMismatch()
	}
	return match, nil
}

// Start broadcasts BOOT_GO, causing listening nodes to jump to their
// application entry point. Fire-and-forget: no response is expected.
func (f *Flasher) Start() error {
	return f.bus.Send(proto.Broadcast(), proto.CmdGo, nil)
}
