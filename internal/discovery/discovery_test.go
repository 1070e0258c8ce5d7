package discovery

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bootbus/internal/proto"
	"bootbus/internal/transport"
)

// hostFrame is the host-request side of a wire frame, parsed out of the raw
// bytes a fakeNodePort sees on Write. Discovery only ever sends requests, so
// this is simpler than the full proto.Decoder (which targets responses).
type hostFrame struct {
	long bool
	addr []byte
	cmd  byte
}

func parseHostFrame(raw []byte) (hostFrame, bool) {
	i := 0
	for i < len(raw) && raw[i] == proto.PreambleByte {
		i++
	}
	if i >= len(raw) {
		return hostFrame{}, false
	}
	header := raw[i]
	i++
	long := header&0x02 != 0
	n := 1
	if long {
		n = 8
	}
	if i+n+2 > len(raw) {
		return hostFrame{}, false
	}
	addr := raw[i : i+n]
	i += n
	cmd := raw[i]
	return hostFrame{long: long, addr: addr, cmd: cmd}, true
}

// fakeNodePort simulates exactly one bootloader node sitting on the bus: it
// answers BOOT_GET_ID once (until silenced), BOOT_SILENCE/BOOT_UNSILENCE
// flip its silenced flag, and BOOT_GET_NODE_INFO returns its node/fw IDs.
type fakeNodePort struct {
	mu       sync.Mutex
	uid      [8]byte
	nodeID   byte
	fwID     byte
	silenced bool
	pending  []byte
}

func newFakeNodePort(uid [8]byte, nodeID, fwID byte) *fakeNodePort {
	return &fakeNodePort{uid: uid, nodeID: nodeID, fwID: fwID}
}

func (f *fakeNodePort) buildResponse(header byte, addr []byte, cmd byte, payload []byte) []byte {
	body := append([]byte{header}, addr...)
	body = append(body, cmd, byte(len(payload)))
	body = append(body, payload...)
	var crc [4]byte
	binary.LittleEndian.PutUint32(crc[:], proto.Checksum(body))
	body = append(body, crc[:]...)
	out := make([]byte, 0, proto.TxPreamble+len(body))
	for i := 0; i < proto.TxPreamble; i++ {
		out = append(out, proto.PreambleByte)
	}
	return append(out, body...)
}

func (f *fakeNodePort) addressedToMe(hf hostFrame) bool {
	if !hf.long {
		return len(hf.addr) == 1 && hf.addr[0] == proto.BroadcastID
	}
	return len(hf.addr) == 8 && string(hf.addr) == string(f.uid[:])
}

func (f *fakeNodePort) Write(p []byte) (int, error) {
	hf, ok := parseHostFrame(p)
	if !ok || !f.addressedToMe(hf) {
		return len(p), nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	switch hf.cmd {
	case proto.CmdUnsilence:
		f.silenced = false
	case proto.CmdSilence:
		if hf.long {
			f.silenced = true
		}
	case proto.CmdGetID:
		if !f.silenced {
			f.pending = append(f.pending, f.buildResponse(0x83, f.uid[:], proto.CmdGetID, f.uid[:])...)
		}
	case proto.CmdGetNodeInfo:
		if hf.long {
			f.pending = append(f.pending, f.buildResponse(0x83, f.uid[:], proto.CmdGetNodeInfo, []byte{f.nodeID, f.fwID})...)
		}
	}
	return len(p), nil
}

func (f *fakeNodePort) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) == 0 {
		return 0, nil
	}
	n := copy(p, f.pending)
	f.pending = f.pending[n:]
	return n, nil
}

func (f *fakeNodePort) Close() error { return nil }

func TestRunDiscoversSingleNode(t *testing.T) {
	prevSleep := sleepFn
	sleepFn = func(time.Duration) {}
	defer func() { sleepFn = prevSleep }()

	uid := [8]byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88}
	port := newFakeNodePort(uid, 0x07, 0x02)
	bus := transport.NewBus(port, 16, nil)
	defer bus.Close()

	result, err := Run(context.Background(), bus, 1, 1)
	require.NoError(t, err)
	require.Len(t, result, 1)

	info, ok := result[hex.EncodeToString(uid[:])]
	require.True(t, ok)
	assert.NoError(t, info.Err)
	assert.Equal(t, byte(0x07), info.NodeID)
	assert.Equal(t, byte(0x02), info.FwID)
}

func TestSlotBudgetFloorsAtZero(t *testing.T) {
	assert.Equal(t, byte(0), slotBudget(10))
	assert.Equal(t, byte(0), slotBudget(32))
	assert.Equal(t, byte(31), slotBudget(63))
}
