package proto

// Bootloader command opcodes, shared by internal/discovery and
// internal/flasher since both address the same node-side state machine.
const (
	CmdGetInfo     byte = 0x01 // generic node info; unused by default flows
	CmdGetChipID   byte = 0x02 // chip id query; unused by default flows
	CmdGetID       byte = 0x11
	CmdSilence     byte = 0x12
	CmdUnsilence   byte = 0x13
	CmdGo          byte = 0x21
	CmdWrite       byte = 0x31
	CmdErase       byte = 0x44 // declared for wire compatibility; no caller issues it
	CmdGetCRC      byte = 0xA1
	CmdGetNodeInfo byte = 0xC1
	CmdSetNodeInfo byte = 0xC2
)

// BOOT_SET_NODE_INFO kind bytes.
const (
	KindFwID   byte = 0x00
	KindNodeID byte = 0x01
)

// FlashBaseAddr is the logical flash address block 0 targets.
const FlashBaseAddr uint32 = 0x08000000

// BlockSize is the size of one firmware write unit, before the 4-byte
// address prefix and 2-byte fw_id/corr header are added.
const BlockSize = 64
