// internal/burn/engine.go
package burn

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"board-bridge/internal/connector"
	"board-bridge/internal/model"
	"board-bridge/internal/utils"
)

// maxWordAddress is the highest word LOAD_ADDRESS can express
const maxWordAddress = 0xFFFF

// Transport is the raw request/response link the engine drives
type Transport interface {
	// Exchange writes frame and returns the next n bytes received
	Exchange(ctx context.Context, frame []byte, n int) ([]byte, error)
}

// Resetter is implemented by transports that can pulse the board's reset line
type Resetter interface {
	Reset(ctx context.Context) error
}

// Session tracks one linear, non-resumable flashing run
type Session struct {
	ID         string
	DeviceType string
	Signature  model.Signature
	PageSize   int
	Pages      int
	// Address is the word address of the next page
	Address   uint16
	Remaining int
}

// Engine flashes firmware through an STK500 bootloader
type Engine struct {
	transport Transport
	profile   model.BoardProfile
	config    Config
}

// New creates an engine for a board described by profile
func New(transport Transport, profile model.BoardProfile, opts ...Option) *Engine {
	config := defaultConfig()
	for _, opt := range opts {
		opt(&config)
	}

	return &Engine{
		transport: transport,
		profile:   profile,
		config:    config,
	}
}

// Flash writes image page by page. onProgress, if set, receives the completed
// fraction after each acknowledged page.
func (e *Engine) Flash(ctx context.Context, image Image, onProgress func(fraction float64)) error {
	data, err := image.Bytes()
	if err != nil {
		return &FlashError{Phase: PhaseImage, Page: -1, Err: err}
	}
	if len(data) == 0 {
		return &FlashError{Phase: PhaseImage, Page: -1, Err: errors.New("image is empty")}
	}

	session := &Session{
		ID:         uuid.New().String(),
		DeviceType: e.profile.Name,
		Remaining:  len(data),
	}
	op := utils.NewOperationLogger(e.config.Logger, "burn", session.ID)
	op.Start(zap.String("board", e.profile.Name), zap.Int("image_bytes", len(data)))

	err = e.flash(ctx, session, data, op, onProgress)
	if err != nil {
		op.Error(err, zap.Int("remaining_bytes", session.Remaining))
		return err
	}

	op.Success(zap.Int("pages", session.Pages), zap.Int("page_size", session.PageSize))
	return nil
}

func (e *Engine) flash(ctx context.Context, session *Session, data []byte, op *utils.OperationLogger, onProgress func(float64)) (err error) {
	if e.config.Reset {
		if resetter, ok := e.transport.(Resetter); ok {
			if err := resetter.Reset(ctx); err != nil && !errors.Is(err, connector.ErrNotSupported) {
				e.config.Logger.Warn("Reset before sync failed", zap.Error(err))
			}
		}
	}

	if err := e.sync(ctx); err != nil {
		return &FlashError{Phase: PhaseSync, Page: -1, Err: err}
	}

	sig, err := e.readSignature(ctx)
	if err != nil {
		return &FlashError{Phase: PhaseReadSignature, Page: -1, Err: err}
	}
	session.Signature = sig
	session.PageSize = e.pageSize(sig)

	pages := (len(data) + session.PageSize - 1) / session.PageSize
	if (pages-1)*session.PageSize/2 > maxWordAddress {
		return &FlashError{Phase: PhaseImage, Page: -1,
			Err: fmt.Errorf("image of %d bytes exceeds the addressable flash", len(data))}
	}
	session.Pages = pages

	if err := e.command(ctx, enterProgModeFrame()); err != nil {
		return &FlashError{Phase: PhaseEnterProgMode, Page: -1, Err: err}
	}
	defer func() {
		if err != nil {
			e.leaveBestEffort(ctx)
		}
	}()

	if err := e.command(ctx, setDeviceFrame(sig, session.PageSize)); err != nil {
		return &FlashError{Phase: PhaseSetDevice, Page: -1, Err: err}
	}

	for i := 0; i < pages; i++ {
		start := i * session.PageSize
		page := make([]byte, session.PageSize)
		copy(page, data[start:min(start+session.PageSize, len(data))])

		if err := e.command(ctx, loadAddressFrame(session.Address)); err != nil {
			return &FlashError{Phase: PhaseLoadAddress, Page: i, Err: err}
		}
		if err := e.command(ctx, progPageFrame(page)); err != nil {
			return &FlashError{Phase: PhaseProgPage, Page: i, Err: err}
		}

		session.Address += uint16(session.PageSize / 2)
		session.Remaining = max(0, session.Remaining-session.PageSize)

		fraction := float64(i+1) / float64(pages)
		op.Progress("Page written", fraction,
			zap.Int("page", i),
			zap.Uint16("next_word_address", session.Address),
			zap.Int("remaining_bytes", session.Remaining),
		)
		if onProgress != nil {
			onProgress(fraction)
		}
	}

	if err := e.command(ctx, leaveProgModeFrame()); err != nil {
		// Pages are written; a failed exit is not worth a retry of the leave itself
		return &FlashError{Phase: PhaseLeaveProgMode, Page: -1, Err: err}
	}
	return nil
}

// sync sends GET_SYNC until the bootloader answers INSYNC OK or attempts run out
func (e *Engine) sync(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= e.config.SyncAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, e.config.SyncTimeout)
		resp, err := e.transport.Exchange(attemptCtx, getSyncFrame(), len(ack))
		cancel()

		if err == nil && bytes.Equal(resp, ack) {
			e.config.Logger.Debug("Bootloader in sync", zap.Int("attempt", attempt))
			return nil
		}
		if err == nil {
			err = &DesyncError{Expected: ack, Got: resp}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err

		if attempt < e.config.SyncAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.config.SyncInterval):
			}
		}
	}
	return fmt.Errorf("no sync after %d attempts: %w", e.config.SyncAttempts, lastErr)
}

func (e *Engine) readSignature(ctx context.Context) (model.Signature, error) {
	resp, err := e.transport.Exchange(ctx, readSignFrame(), 5)
	if err != nil {
		return model.Signature{}, err
	}
	if len(resp) != 5 || resp[0] != RespInSync || resp[4] != RespOK {
		return model.Signature{}, &DesyncError{Expected: []byte{RespInSync, 0, 0, 0, RespOK}, Got: resp}
	}

	sig := model.Signature{resp[1], resp[2], resp[3]}
	if e.profile.Signature != (model.Signature{}) && sig != e.profile.Signature {
		e.config.Logger.Warn("Device signature differs from board profile",
			zap.Stringer("signature", sig),
			zap.Stringer("expected", e.profile.Signature),
		)
	}
	return sig, nil
}

// pageSize picks the flash page size for the identified device
func (e *Engine) pageSize(sig model.Signature) int {
	if size, ok := model.PageSizeForSignature(sig); ok {
		return size
	}
	e.config.Logger.Warn("Unknown device signature, using board profile page size",
		zap.Stringer("signature", sig),
		zap.Int("page_size", e.profile.PageSize),
	)
	return e.profile.PageSize
}

// command sends a frame and requires INSYNC OK in reply
func (e *Engine) command(ctx context.Context, frame []byte) error {
	resp, err := e.transport.Exchange(ctx, frame, len(ack))
	if err != nil {
		return err
	}
	if !bytes.Equal(resp, ack) {
		return &DesyncError{Expected: ack, Got: resp}
	}
	return nil
}

func (e *Engine) leaveBestEffort(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if err := e.command(ctx, leaveProgModeFrame()); err != nil {
		e.config.Logger.Debug("Leave programming mode after error failed", zap.Error(err))
	}
}
