package wire

import "fmt"

// Command is the one-byte opcode carried in every packet header. The numeric
// values are fixed by deployed node firmware.
type Command uint8

const (
	// General commands.
	CmdGetID         Command = 0x00
	CmdGetDescriptor Command = 0x01
	CmdReset         Command = 0x02

	// Configuration commands. Changes must be committed with CmdCommitConfig.
	CmdCommitConfig Command = 0x10
	CmdGetAddr      Command = 0x11
	CmdSetAddr      Command = 0x12
	CmdGetPktCnt    Command = 0x13
	CmdResetPktCnt  Command = 0x14

	// Bootloader commands.
	CmdInvalidateApp Command = 0x80
	CmdFlashBaseAddr Command = 0x81
	CmdFlashErase    Command = 0x82
	CmdFlashWrite    Command = 0x83
	CmdFlashRead     Command = 0x84

	// Strip commands.
	CmdSync           Command = 0x90
	CmdSyncAck        Command = 0x91
	CmdFrame          Command = 0x92
	CmdFrameAck       Command = 0x93
	CmdFrameHold      Command = 0x94
	CmdFrameHoldAck   Command = 0x95
	CmdSetLED         Command = 0x96
	CmdGetButtonCount Command = 0x97
	CmdSetLength      Command = 0x9C
	CmdGetLength      Command = 0x9D
)

var commandNames = map[Command]string{
	CmdGetID:          "GET_ID",
	CmdGetDescriptor:  "GET_DESCRIPTOR",
	CmdReset:          "RESET",
	CmdCommitConfig:   "COMMIT_CONFIG",
	CmdGetAddr:        "GET_ADDR",
	CmdSetAddr:        "SET_ADDR",
	CmdGetPktCnt:      "GET_PKTCNT",
	CmdResetPktCnt:    "RESET_PKTCNT",
	CmdInvalidateApp:  "INVALIDATEAPP",
	CmdFlashBaseAddr:  "FLASH_BASEADDR",
	CmdFlashErase:     "FLASH_ERASE",
	CmdFlashWrite:     "FLASH_WRITE",
	CmdFlashRead:      "FLASH_READ",
	CmdSync:           "SYNC",
	CmdSyncAck:        "SYNC_ACK",
	CmdFrame:          "FRAME",
	CmdFrameAck:       "FRAME_ACK",
	CmdFrameHold:      "FRAME_HOLD",
	CmdFrameHoldAck:   "FRAME_HOLD_ACK",
	CmdSetLED:         "SET_LED",
	CmdGetButtonCount: "GET_BUTTON_COUNT",
	CmdSetLength:      "SET_LENGTH",
	CmdGetLength:      "GET_LENGTH",
}

// String returns the firmware name of the opcode, or its hex value when the
// opcode is unknown.
func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("CMD(%#02x)", uint8(c))
}

// Known reports whether c is one of the documented opcodes.
func (c Command) Known() bool {
	_, ok := commandNames[c]
	return ok
}
