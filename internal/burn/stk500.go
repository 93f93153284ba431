// internal/burn/stk500.go
package burn

import (
	"encoding/binary"

	"board-bridge/internal/model"
)

// STK500 bootloader protocol bytes
const (
	CRCEOP           byte = 0x20
	CmdGetSync       byte = 0x30
	CmdReadSign      byte = 0x75
	CmdSetDevice     byte = 0x42
	CmdEnterProgMode byte = 0x50
	CmdLeaveProgMode byte = 0x51
	CmdLoadAddress   byte = 0x55
	CmdProgPage      byte = 0x64

	RespOK     byte = 0x10
	RespInSync byte = 0x14

	memoryTypeFlash byte = 'F'
)

// setDeviceParamCount is the number of parameter bytes in a SET_DEVICE frame
const setDeviceParamCount = 20

// ack is the two-byte reply to every accepted command
var ack = []byte{RespInSync, RespOK}

type deviceParams struct {
	code       byte
	eepromSize uint16
	flashSize  uint32
}

var knownDevices = map[model.Signature]deviceParams{
	model.SignatureATmega328P: {code: 0x86, eepromSize: 1024, flashSize: 32 * 1024},
	model.SignatureATmega644P: {code: 0x86, eepromSize: 2048, flashSize: 64 * 1024},
}

func getSyncFrame() []byte {
	return []byte{CmdGetSync, CRCEOP}
}

func readSignFrame() []byte {
	return []byte{CmdReadSign, CRCEOP}
}

func enterProgModeFrame() []byte {
	return []byte{CmdEnterProgMode, CRCEOP}
}

func leaveProgModeFrame() []byte {
	return []byte{CmdLeaveProgMode, CRCEOP}
}

// setDeviceFrame builds SET_DEVICE with the page size big-endian at parameter offsets 12 and 13
func setDeviceFrame(sig model.Signature, pageSize int) []byte {
	params := knownDevices[sig]
	if params.code == 0 {
		params.code = 0x86
	}

	frame := make([]byte, 0, setDeviceParamCount+2)
	frame = append(frame, CmdSetDevice,
		params.code, // device code
		0x00,        // revision
		0x00,        // programming type: parallel/high voltage and serial
		0x01,        // parallel mode: full
		0x01,        // polling
		0x01,        // self timed
		0x01,        // lock bytes
		0x03,        // fuse bytes
		0xFF, 0xFF, // flash poll values
		0xFF, 0xFF, // eeprom poll values
	)
	frame = binary.BigEndian.AppendUint16(frame, uint16(pageSize))
	frame = binary.BigEndian.AppendUint16(frame, params.eepromSize)
	frame = binary.BigEndian.AppendUint32(frame, params.flashSize)
	return append(frame, CRCEOP)
}

// loadAddressFrame builds LOAD_ADDRESS for a word address, low byte first
func loadAddressFrame(wordAddress uint16) []byte {
	frame := []byte{CmdLoadAddress}
	frame = binary.LittleEndian.AppendUint16(frame, wordAddress)
	return append(frame, CRCEOP)
}

// progPageFrame builds PROG_PAGE for a flash page, size high byte first
func progPageFrame(page []byte) []byte {
	frame := make([]byte, 0, len(page)+5)
	frame = append(frame, CmdProgPage)
	frame = binary.BigEndian.AppendUint16(frame, uint16(len(page)))
	frame = append(frame, memoryTypeFlash)
	frame = append(frame, page...)
	return append(frame, CRCEOP)
}
