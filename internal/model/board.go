// internal/model/board.go
package model

import (
	"fmt"
	"sort"
)

// BaudRates is the closed set of rates a board link may run at
var BaudRates = []int{110, 300, 600, 1200, 2400, 4800, 9600, 14400, 19200, 38400, 57600, 115200, 128000, 256000}

// IsValidBaudRate checks rate against BaudRates
func IsValidBaudRate(rate int) bool {
	i := sort.SearchInts(BaudRates, rate)
	return i < len(BaudRates) && BaudRates[i] == rate
}

// Signature is the three-byte AVR device signature read from the bootloader
type Signature [3]byte

func (s Signature) String() string {
	return fmt.Sprintf("%02X %02X %02X", s[0], s[1], s[2])
}

// Known signatures
var (
	SignatureATmega328P = Signature{0x1E, 0x95, 0x0F}
	SignatureATmega644P = Signature{0x1E, 0x96, 0x0A}
)

// BoardProfile carries the per-board metadata the driver and burn engine need
type BoardProfile struct {
	Name            string    `mapstructure:"name" json:"name"`
	DefaultBaudRate int       `mapstructure:"default_baud_rate" json:"default_baud_rate"`
	UploadBaudRate  int       `mapstructure:"upload_baud_rate" json:"upload_baud_rate"`
	PageSize        int       `mapstructure:"page_size" json:"page_size"`
	Signature       Signature `mapstructure:"-" json:"signature"`
}

var boardProfiles = map[string]BoardProfile{
	"core": {
		Name:            "core",
		DefaultBaudRate: 9600,
		UploadBaudRate:  115200,
		PageSize:        128,
		Signature:       SignatureATmega328P,
	},
	"core+": {
		Name:            "core+",
		DefaultBaudRate: 9600,
		UploadBaudRate:  115200,
		PageSize:        256,
		Signature:       SignatureATmega644P,
	},
}

// LookupBoardProfile returns a built-in profile by name
func LookupBoardProfile(name string) (BoardProfile, error) {
	profile, ok := boardProfiles[name]
	if !ok {
		return BoardProfile{}, fmt.Errorf("unknown board profile: %q", name)
	}
	return profile, nil
}

// PageSizeForSignature maps a device signature to its flash page size
func PageSizeForSignature(sig Signature) (int, bool) {
	switch sig {
	case SignatureATmega328P:
		return 128, true
	case SignatureATmega644P:
		return 256, true
	default:
		return 0, false
	}
}
