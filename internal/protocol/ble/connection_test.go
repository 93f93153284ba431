package ble

import (
	"bytes"
	"context"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"board-bridge/internal/connector"
	"board-bridge/internal/model"
)

type fakePeripheral struct {
	mu           sync.Mutex
	writes       [][]byte
	unacked      []bool
	notify       func([]byte)
	onDisconnect func()
	disconnects  int
}

func (p *fakePeripheral) Address() string { return "AA:BB:CC:DD:EE:FF" }

func (p *fakePeripheral) Write(data []byte, withoutResponse bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writes = append(p.writes, append([]byte(nil), data...))
	p.unacked = append(p.unacked, withoutResponse)
	return nil
}

func (p *fakePeripheral) Subscribe(handler func([]byte)) error {
	p.notify = handler
	return nil
}

func (p *fakePeripheral) OnDisconnect(handler func()) { p.onDisconnect = handler }

func (p *fakePeripheral) Disconnect() error {
	p.mu.Lock()
	p.disconnects++
	p.mu.Unlock()
	return nil
}

type fakeCentral struct {
	peripheral *fakePeripheral
	config     Config
}

func (c *fakeCentral) Connect(_ context.Context, config Config) (Peripheral, error) {
	c.config = config
	return c.peripheral, nil
}

func openFake(t *testing.T, config Config) (*Connection, *fakePeripheral) {
	t.Helper()
	p := &fakePeripheral{}
	conn := NewConnection(config, &fakeCentral{peripheral: p}, zap.NewNop())
	require.NoError(t, conn.Open(context.Background(), 0))
	return conn, p
}

func TestConnection_SendChunksTo16Bytes(t *testing.T) {
	conn, p := openFake(t, Config{ChunkSize: 64})
	defer conn.Close()

	payload := bytes.Repeat([]byte{0xA5, 0x5A, 0x01}, 17) // 51 bytes
	echo, err := conn.Send(context.Background(), payload, connector.SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, payload, echo)

	require.Len(t, p.writes, 4)
	var joined []byte
	for _, w := range p.writes {
		assert.LessOrEqual(t, len(w), 16)
		joined = append(joined, w...)
	}
	assert.Equal(t, payload, joined)
}

func TestConnection_SendHonoursSmallerChunkOption(t *testing.T) {
	conn, p := openFake(t, Config{})
	defer conn.Close()

	_, err := conn.Send(context.Background(), make([]byte, 20), connector.SendOptions{ChunkSize: 8})
	require.NoError(t, err)
	require.Len(t, p.writes, 3)
	assert.Len(t, p.writes[2], 4)
}

func TestConnection_SendWriteMode(t *testing.T) {
	conn, p := openFake(t, Config{})
	defer conn.Close()

	_, err := conn.Send(context.Background(), make([]byte, 20), connector.SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, []bool{false, false}, p.unacked)

	_, err = conn.Send(context.Background(), make([]byte, 4), connector.SendOptions{WithoutResponse: true})
	require.NoError(t, err)
	assert.Equal(t, []bool{false, false, true}, p.unacked)
}

func TestConnection_NotificationsReachHandler(t *testing.T) {
	conn, p := openFake(t, Config{})
	defer conn.Close()

	var got []byte
	conn.SetDataHandler(func(data []byte) { got = append(got, data...) })
	p.notify([]byte{0x14})
	p.notify([]byte{0x10})

	assert.Equal(t, []byte{0x14, 0x10}, got)
	assert.Equal(t, model.ConnectionTypeBLE, conn.Type())
}

func TestConnection_CloseAndRemoteDisconnectFireOnce(t *testing.T) {
	t.Run("local first", func(t *testing.T) {
		conn, p := openFake(t, Config{})
		var closes atomic.Int32
		conn.OnClose(func(string) { closes.Add(1) })

		require.NoError(t, conn.Close())
		p.onDisconnect()

		assert.Equal(t, int32(1), closes.Load())
		assert.Equal(t, 1, p.disconnects)
	})

	t.Run("remote first", func(t *testing.T) {
		conn, p := openFake(t, Config{})
		var closes atomic.Int32
		conn.OnClose(func(string) { closes.Add(1) })

		p.onDisconnect()
		require.NoError(t, conn.Close())

		assert.Equal(t, int32(1), closes.Load())
		assert.Equal(t, 0, p.disconnects)
		assert.False(t, conn.IsOpen())
	})
}

func TestConnection_SetDTRNotSupported(t *testing.T) {
	conn, _ := openFake(t, Config{})
	defer conn.Close()
	assert.ErrorIs(t, conn.SetDTR(context.Background(), true), connector.ErrNotSupported)
}

func TestMatches(t *testing.T) {
	pattern := regexp.MustCompile(`^(mCookie|ideaBot|Microduino|[A-Za-z0-9]{4}$)`)

	assert.True(t, matches(Config{}, pattern, "11:22", "mCookie-BT"))
	assert.True(t, matches(Config{}, pattern, "11:22", "ideaBot"))
	assert.True(t, matches(Config{}, pattern, "11:22", "A1b2"))
	assert.False(t, matches(Config{}, pattern, "11:22", "A1b2c"))
	assert.False(t, matches(Config{}, pattern, "11:22", ""))
	assert.False(t, matches(Config{}, pattern, "11:22", "Speaker"))

	byAddress := Config{Address: "aa:bb:cc:dd:ee:ff"}
	assert.True(t, matches(byAddress, pattern, "AA:BB:CC:DD:EE:FF", "Speaker"))
	assert.False(t, matches(byAddress, pattern, "11:22:33:44:55:66", "mCookie"))
}
