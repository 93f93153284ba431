package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"board-bridge/internal/config"
	"board-bridge/internal/connector"
	"board-bridge/internal/model"
	"board-bridge/internal/relay"
)

// fakePort is a native serial port that echoes every write
type fakePort struct {
	connector.CloseNotifier

	mu       sync.Mutex
	open     bool
	baud     int
	dtr      []bool
	writes   [][]byte
	handler  func([]byte)
	openErr  error
	closeCnt int
}

func (p *fakePort) Open(_ context.Context, baudRate int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.openErr != nil {
		return p.openErr
	}
	p.open = true
	p.baud = baudRate
	p.Arm()
	return nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	p.open = false
	p.closeCnt++
	p.mu.Unlock()
	p.Fire("closed")
	return nil
}

func (p *fakePort) IsOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open
}

func (p *fakePort) Send(_ context.Context, data []byte, _ connector.SendOptions) ([]byte, error) {
	p.mu.Lock()
	p.writes = append(p.writes, append([]byte(nil), data...))
	handler := p.handler
	p.mu.Unlock()
	if handler != nil {
		handler(data)
	}
	return data, nil
}

func (p *fakePort) SetDataHandler(handler func(data []byte)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = handler
}

func (p *fakePort) SetDTR(_ context.Context, value bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dtr = append(p.dtr, value)
	return nil
}

func (p *fakePort) SetBaudRate(_ context.Context, rate int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.baud = rate
	return nil
}

func (p *fakePort) OnClose(handler func(reason string)) func() {
	return p.Subscribe(handler)
}

func (p *fakePort) Type() model.ConnectionType {
	return model.ConnectionTypeSerial
}

func (p *fakePort) unplug() {
	p.mu.Lock()
	p.open = false
	p.mu.Unlock()
	p.Fire("unplugged")
}

func (p *fakePort) snapshot() (baud int, dtr []bool, writes [][]byte, closes int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.baud, append([]bool(nil), p.dtr...), append([][]byte(nil), p.writes...), p.closeCnt
}

// portBank hands out one fakePort per device ID
type portBank struct {
	mu    sync.Mutex
	ports map[string]*fakePort
}

func newPortBank() *portBank {
	return &portBank{ports: make(map[string]*fakePort)}
}

func (b *portBank) factory(target model.Target) (connector.Connector, error) {
	return b.get(target.DeviceID), nil
}

func (b *portBank) get(deviceID string) *fakePort {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.ports[deviceID]
	if !ok {
		p = &fakePort{}
		b.ports[deviceID] = p
	}
	return p
}

type fakeScanner struct {
	devices []model.DiscoveredDevice
	err     error
}

func (s *fakeScanner) ScanByType(context.Context, string) ([]model.DiscoveredDevice, error) {
	return s.devices, s.err
}

func (s *fakeScanner) ScanAll(context.Context) ([]model.DiscoveredDevice, error) {
	return s.devices, s.err
}

func (s *fakeScanner) GetAvailableScanners() []string {
	return []string{"serial"}
}

func testCompanionConfig() config.CompanionConfig {
	return config.CompanionConfig{
		PingInterval:   time.Second,
		ReadLimit:      65536,
		ScanInterval:   50 * time.Millisecond,
		RequestTimeout: time.Second,
	}
}

func newTestCompanion(t *testing.T, cfg config.CompanionConfig, bank *portBank, scanner PortScanner) (*WebSocketHandler, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	h := NewWebSocketHandler(cfg, bank.factory, scanner, zap.NewNop())
	router := gin.New()
	h.RegisterRoutes(router)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return h, "ws" + strings.TrimPrefix(server.URL, "http")
}

func newTestEngine(t *testing.T, url string) *relay.Engine {
	t.Helper()
	engine := relay.NewEngine(relay.Config{URL: url}, zap.NewNop())
	t.Cleanup(func() { engine.Close() })
	return engine
}

// rawClient speaks the envelope protocol without the relay engine
type rawClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialRaw(t *testing.T, url string) *rawClient {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	c := &rawClient{t: t, conn: conn}
	ready := c.read()
	require.NotNil(t, ready.Content.ClientConnected)
	assert.True(t, *ready.Content.ClientConnected)
	return c
}

func (c *rawClient) request(req relay.Request) relay.Envelope {
	require.NoError(c.t, c.conn.WriteJSON(req))
	return c.read()
}

func (c *rawClient) read() relay.Envelope {
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env relay.Envelope
	require.NoError(c.t, c.conn.ReadJSON(&env))
	return env
}

func TestWebSocketHandler_RelayedSerialPort(t *testing.T) {
	bank := newPortBank()
	_, url := newTestCompanion(t, testCompanionConfig(), bank, &fakeScanner{})
	engine := newTestEngine(t, url)

	conn := relay.NewSerialConnector(engine, model.Target{DeviceID: "/dev/ttyUSB0"}, zap.NewNop())
	received := make(chan []byte, 4)
	conn.SetDataHandler(func(b []byte) { received <- b })

	require.NoError(t, conn.Open(t.Context(), 57600))
	port := bank.get("/dev/ttyUSB0")
	assert.True(t, port.IsOpen())

	_, err := conn.Send(t.Context(), []byte{0x30, 0x20}, connector.SendOptions{})
	require.NoError(t, err)

	select {
	case b := <-received:
		assert.Equal(t, []byte{0x30, 0x20}, b)
	case <-time.After(2 * time.Second):
		t.Fatal("echo not relayed")
	}

	require.NoError(t, conn.SetBaudRate(t.Context(), 115200))
	require.NoError(t, conn.SetDTR(t.Context(), false))
	require.NoError(t, conn.SetDTR(t.Context(), true))

	baud, dtr, writes, _ := port.snapshot()
	assert.Equal(t, 115200, baud)
	assert.Equal(t, []bool{false, true}, dtr)
	assert.Equal(t, [][]byte{{0x30, 0x20}}, writes)

	require.NoError(t, conn.Close())
	assert.False(t, port.IsOpen())
	assert.Equal(t, 0, engine.PendingCount())
}

func TestWebSocketHandler_UnpluggedPortNotifiesHost(t *testing.T) {
	bank := newPortBank()
	_, url := newTestCompanion(t, testCompanionConfig(), bank, &fakeScanner{})
	engine := newTestEngine(t, url)

	conn := relay.NewSerialConnector(engine, model.Target{DeviceID: "COM4"}, zap.NewNop())
	require.NoError(t, conn.Open(t.Context(), 9600))

	reasons := make(chan string, 2)
	conn.OnClose(func(reason string) { reasons <- reason })

	bank.get("COM4").unplug()

	select {
	case <-reasons:
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect not relayed")
	}
	assert.Eventually(t, func() bool { return !conn.IsOpen() }, time.Second, 10*time.Millisecond)
}

func TestWebSocketHandler_Scan(t *testing.T) {
	scanner := &fakeScanner{devices: []model.DiscoveredDevice{{
		ConnectionType: model.ConnectionTypeSerial,
		DeviceID:       "/dev/ttyUSB0",
		Name:           "CH340 serial",
		VendorID:       "1A86",
		ProductID:      "7523",
	}}}
	_, url := newTestCompanion(t, testCompanionConfig(), newPortBank(), scanner)
	client := dialRaw(t, url)

	start := client.request(relay.Request{Action: relay.ActionGetDeviceList, To: relay.Address{Type: model.ConnectionTypeSerial}})
	assert.True(t, start.Content.ScanStart)

	data := client.read()
	require.NotNil(t, data.Content.ScanData)
	assert.Equal(t, "/dev/ttyUSB0", data.Content.ScanData.DeviceID)
	assert.Equal(t, "1A86", data.Content.ScanData.VendorID)
	assert.Equal(t, "CH340 serial", data.Content.ScanData.Device().Name)

	stop := client.read()
	assert.True(t, stop.Content.ScanStop)
}

func TestWebSocketHandler_ScanThroughEngine(t *testing.T) {
	scanner := &fakeScanner{devices: []model.DiscoveredDevice{{DeviceID: "COM3", Name: "Uno"}}}
	_, url := newTestCompanion(t, testCompanionConfig(), newPortBank(), scanner)
	engine := newTestEngine(t, url)
	require.NoError(t, engine.Open(t.Context()))

	found := make(chan model.DiscoveredDevice, 8)
	engine.Discover(func(d model.DiscoveredDevice) { found <- d })

	require.NoError(t, engine.StartScan(t.Context(), model.ConnectionTypeSerial))

	select {
	case d := <-found:
		assert.Equal(t, "COM3", d.DeviceID)
		assert.Equal(t, model.ConnectionTypeSerial, d.ConnectionType)
	case <-time.After(2 * time.Second):
		t.Fatal("no scan report")
	}

	require.NoError(t, engine.StopScan(t.Context()))
}

func TestWebSocketHandler_Errors(t *testing.T) {
	bank := newPortBank()
	bank.get("COM9").openErr = errors.New("access denied")
	_, url := newTestCompanion(t, testCompanionConfig(), bank, &fakeScanner{})
	client := dialRaw(t, url)

	tests := []struct {
		name string
		req  relay.Request
		want string
	}{
		{
			name: "write to a port that is not open",
			req:  relay.Request{Action: relay.ActionWrite, To: relay.Address{DeviceID: "COM1"}, Content: relay.Content{Data: []byte{1}}},
			want: "not open",
		},
		{
			name: "open failure",
			req:  relay.Request{Action: relay.ActionConnect, To: relay.Address{DeviceID: "COM9"}, Content: relay.Content{BaudRate: 9600}},
			want: "access denied",
		},
		{
			name: "bluetooth target",
			req:  relay.Request{Action: relay.ActionConnect, To: relay.Address{Type: model.ConnectionTypeBLE, DeviceID: "AA:BB"}},
			want: "bluetooth",
		},
		{
			name: "bluetooth-only action",
			req:  relay.Request{Action: relay.ActionGetServices, To: relay.Address{DeviceID: "COM1"}},
			want: "bluetooth",
		},
		{
			name: "unknown action",
			req:  relay.Request{Action: "reboot", To: relay.Address{DeviceID: "COM1"}},
			want: "unknown action",
		},
		{
			name: "dtr without a value",
			req:  relay.Request{Action: relay.ActionSetDTR, To: relay.Address{DeviceID: "COM1"}},
			want: "dtr is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := client.request(tt.req)
			assert.Equal(t, relay.MessageError, env.Message)
			assert.Contains(t, env.Content.Error, tt.want)
			assert.Equal(t, tt.req.To.DeviceID, env.From.DeviceID)
		})
	}
}

func TestWebSocketHandler_ClientGoneClosesPorts(t *testing.T) {
	bank := newPortBank()
	h, url := newTestCompanion(t, testCompanionConfig(), bank, &fakeScanner{})
	client := dialRaw(t, url)

	reply := client.request(relay.Request{
		Action:  relay.ActionConnect,
		To:      relay.Address{DeviceID: "/dev/ttyACM0"},
		Content: relay.Content{BaudRate: 115200},
	})
	require.True(t, reply.Content.DeviceConnected)

	stats := h.Connections().GetStats()
	assert.Equal(t, 1, stats.TotalConnections)
	assert.Equal(t, 1, stats.OpenPorts)

	client.conn.Close()

	port := bank.get("/dev/ttyACM0")
	assert.Eventually(t, func() bool { return !port.IsOpen() }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return h.Connections().Count() == 0 }, 2*time.Second, 10*time.Millisecond)

	_, _, _, closes := port.snapshot()
	assert.Equal(t, 1, closes)
}

func TestWebSocketHandler_CheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{name: "no allow-list", origin: "http://example.com", want: true},
		{name: "no origin header", allowed: []string{"http://localhost:3000"}, want: true},
		{name: "listed origin", allowed: []string{"http://localhost:3000"}, origin: "http://localhost:3000", want: true},
		{name: "unlisted origin", allowed: []string{"http://localhost:3000"}, origin: "http://evil.test", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testCompanionConfig()
			cfg.AllowedOrigins = tt.allowed
			h := NewWebSocketHandler(cfg, newPortBank().factory, &fakeScanner{}, zap.NewNop())

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, h.checkOrigin(req))
		})
	}
}
