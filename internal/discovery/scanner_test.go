package discovery

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"board-bridge/internal/model"
)

type stubScanner struct {
	kind      string
	available bool
	devices   []model.DiscoveredDevice
	err       error
}

func (s stubScanner) Scan(ctx context.Context) ([]model.DiscoveredDevice, error) {
	return s.devices, s.err
}

func (s stubScanner) GetScannerType() string { return s.kind }

func (s stubScanner) IsAvailable() bool { return s.available }

func TestWhitelist(t *testing.T) {
	w, err := NewWhitelist([]string{"2341:0043", "1a86:7523"})
	require.NoError(t, err)

	assert.True(t, w.Allows("2341", "0043"))
	assert.True(t, w.Allows("1A86", "7523"))
	assert.True(t, w.Allows("1a86", "7523"))
	assert.False(t, w.Allows("2341", "0042"))
	assert.False(t, w.Allows("", ""))

	_, err = NewWhitelist([]string{"nope"})
	assert.Error(t, err)
}

func TestScannerManager(t *testing.T) {
	sm := NewScannerManager(zap.NewNop())
	sm.RegisterScanner(stubScanner{
		kind:      "serial",
		available: true,
		devices:   []model.DiscoveredDevice{{DeviceID: "/dev/ttyUSB0"}},
	})
	sm.RegisterScanner(stubScanner{kind: "usb", available: false})
	sm.RegisterScanner(stubScanner{kind: "broken", available: true, err: errors.New("boom")})

	t.Run("scan all skips unavailable and failing scanners", func(t *testing.T) {
		devices, err := sm.ScanAll(context.Background())
		require.NoError(t, err)
		require.Len(t, devices, 1)
		assert.Equal(t, "/dev/ttyUSB0", devices[0].DeviceID)
	})

	t.Run("scan by type", func(t *testing.T) {
		_, err := sm.ScanByType(context.Background(), "usb")
		assert.Error(t, err)

		_, err = sm.ScanByType(context.Background(), "tcp")
		assert.Error(t, err)

		devices, err := sm.ScanByType(context.Background(), "serial")
		require.NoError(t, err)
		assert.Len(t, devices, 1)
	})

	assert.Equal(t, []string{"broken", "serial"}, sm.GetAvailableScanners())
}
