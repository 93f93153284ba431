// internal/burn/errors.go
package burn

import "fmt"

// Phase names a step of the flashing sequence
type Phase string

const (
	PhaseImage         Phase = "image"
	PhaseSync          Phase = "sync"
	PhaseReadSignature Phase = "read_signature"
	PhaseEnterProgMode Phase = "enter_progmode"
	PhaseSetDevice     Phase = "set_device"
	PhaseLoadAddress   Phase = "load_address"
	PhaseProgPage      Phase = "prog_page"
	PhaseLeaveProgMode Phase = "leave_progmode"
)

// FlashError reports the phase a burn session failed in. The session cannot
// be resumed; flashing must start over.
type FlashError struct {
	Phase Phase
	// Page is the zero-based page being written, or -1 outside the page loop
	Page int
	Err  error
}

func (e *FlashError) Error() string {
	if e.Page >= 0 {
		return fmt.Sprintf("flashing failed at %s (page %d): %v", e.Phase, e.Page, e.Err)
	}
	return fmt.Sprintf("flashing failed at %s: %v", e.Phase, e.Err)
}

func (e *FlashError) Unwrap() error {
	return e.Err
}

// DesyncError is returned when the bootloader answers with unexpected bytes
type DesyncError struct {
	Expected []byte
	Got      []byte
}

func (e *DesyncError) Error() string {
	return fmt.Sprintf("bootloader out of sync: expected % X, got % X", e.Expected, e.Got)
}
