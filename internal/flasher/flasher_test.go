package flasher

import (
	"bytes"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"bootbus/internal/proto"
	"bootbus/internal/transport"
)

func TestPadToBlocksRightPadsWithFF(t *testing.T) {
	image := bytes.Repeat([]byte{0x01}, proto.BlockSize+3)
	padded := padToBlocks(image)

	require.Len(t, padded, 2*proto.BlockSize)
	assert.Equal(t, image, padded[:len(image)])
	for _, b := range padded[len(image):] {
		assert.Equal(t, byte(0xFF), b)
	}
}

func TestPadToBlocksExactMultipleUnchanged(t *testing.T) {
	image := bytes.Repeat([]byte{0x02}, proto.BlockSize*2)
	padded := padToBlocks(image)
	assert.Equal(t, image, padded)
}

func TestBlockAddressPrefixIsLittleEndian(t *testing.T) {
	prefix := blockAddressPrefix(2)
	want := proto.FlashBaseAddr + 2*proto.BlockSize
	assert.Equal(t, want, binary.LittleEndian.Uint32(prefix))
}

// S3 — a block of all-preamble bytes must still yield a correction that
// removes every occurrence of the preamble byte from the wire encoding.
func TestFindCorrectionAllPreambleBlock(t *testing.T) {
	raw := bytes.Repeat([]byte{proto.PreambleByte}, 64)
	corr, ok := findCorrection(raw)
	require.True(t, ok)

	for _, b := range raw {
		assert.NotEqual(t, byte(proto.PreambleByte), byte(b-corr))
	}
}

func TestFindCorrectionProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		raw := rapid.SliceOfN(rapid.Byte(), 1, 68).Draw(t, "raw")
		corr, ok := findCorrection(raw)
		require.True(t, ok)
		for _, b := range raw {
			assert.NotEqual(t, byte(proto.PreambleByte), byte(b-corr))
		}
	})
}

// fakeFlashPort answers every write with a canned response queued by the
// test, mirroring the transport fake used elsewhere: it doesn't model
// bootloader semantics, just lets us script what the "device" says next.
type fakeFlashPort struct {
	mu       sync.Mutex
	resp     [][]byte
	txed     [][]byte
	answered int
}

func (f *fakeFlashPort) queue(resp []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resp = append(f.resp, resp)
}

func (f *fakeFlashPort) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txed = append(f.txed, append([]byte(nil), p...))
	return len(p), nil
}

func (f *fakeFlashPort) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.resp) == 0 || f.answered >= len(f.txed) {
		return 0, nil
	}
	n := copy(p, f.resp[0])
	f.resp = f.resp[1:]
	f.answered++
	return n, nil
}

func (f *fakeFlashPort) Close() error { return nil }

func buildCRCResponse(crc uint32) []byte {
	payload := make([]byte, 4)
	binary.LittleEndian.PutUint32(payload, crc)
	body := append([]byte{0x81}, 0xFF)
	body = append(body, proto.CmdGetCRC, byte(len(payload)))
	body = append(body, payload...)
	var c [4]byte
	binary.LittleEndian.PutUint32(c[:], proto.Checksum(body))
	body = append(body, c[:]...)
	out := make([]byte, 0, proto.TxPreamble+len(body))
	for i := 0; i < proto.TxPreamble; i++ {
		out = append(out, proto.PreambleByte)
	}
	return append(out, body...)
}

func TestVerifyImageMatch(t *testing.T) {
	image := []byte{0x80, 0x05, 0xC1, 0x00}
	port := &fakeFlashPort{}
	port.queue(buildCRCResponse(proto.Checksum(image)))

	bus := transport.NewBus(port, 4, nil)
	defer bus.Close()
	fl := New(bus)

	ok, err := fl.VerifyImage(image)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyImageMismatch(t *testing.T) {
	image := []byte{0x80, 0x05, 0xC1, 0x00}
	port := &fakeFlashPort{}
	port.queue(buildCRCResponse(0xDEADBEEF))

	bus := transport.NewBus(port, 4, nil)
	defer bus.Close()
	fl := New(bus)

	ok, err := fl.VerifyImage(image)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyImageNoResponse(t *testing.T) {
	port := &fakeFlashPort{}
	bus := transport.NewBus(port, 4, nil)
	defer bus.Close()
	fl := New(bus)

	_, err := fl.VerifyImage([]byte{0x01})
	assert.ErrorIs(t, err, ErrNoResponse)
}

func TestEnterBootloaderWritesSustainedPreambleStream(t *testing.T) {
	port := &fakeFlashPort{}
	bus := transport.NewBus(port, 4, nil)
	defer bus.Close()
	fl := New(bus)

	require.NoError(t, fl.EnterBootloader(5*time.Millisecond))

	port.mu.Lock()
	defer port.mu.Unlock()
	require.NotEmpty(t, port.txed)
	for _, chunk := range port.txed {
		for _, b := range chunk {
			assert.Equal(t, byte(proto.PreambleByte), b)
		}
	}
}
