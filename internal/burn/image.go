// internal/burn/image.go
package burn

import (
	"errors"
	"fmt"
	"io"

	"github.com/marcinbor85/gohex"
)

// Image provides the firmware bytes to flash, starting at address 0
type Image interface {
	Bytes() ([]byte, error)
}

// BytesImage is a raw binary image
type BytesImage []byte

// Bytes returns the image
func (b BytesImage) Bytes() ([]byte, error) {
	return b, nil
}

// hexImage is a flattened Intel HEX image
type hexImage struct {
	data []byte
}

func (h *hexImage) Bytes() ([]byte, error) {
	return h.data, nil
}

// ParseHex reads an Intel HEX file and flattens its data records into one
// image from address 0. Gaps between records are filled with 0xFF.
func ParseHex(r io.Reader) (Image, error) {
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(r); err != nil {
		return nil, fmt.Errorf("failed to parse hex image: %w", err)
	}

	var end uint32
	for _, segment := range mem.GetDataSegments() {
		if top := segment.Address + uint32(len(segment.Data)); top > end {
			end = top
		}
	}
	if end == 0 {
		return nil, errors.New("hex image contains no data")
	}

	return &hexImage{data: mem.ToBinary(0, end, 0xFF)}, nil
}
