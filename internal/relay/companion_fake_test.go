package relay

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type responder func(req Request, send func(Envelope))

// fakeCompanion is an in-process companion that answers requests with a responder
type fakeCompanion struct {
	server *httptest.Server

	mu       sync.Mutex
	conn     *websocket.Conn
	requests []Request
	respond  responder
	writeMu  sync.Mutex
}

func newFakeCompanion(t *testing.T, respond responder) *fakeCompanion {
	t.Helper()
	f := &fakeCompanion{respond: respond}
	upgrader := websocket.Upgrader{}

	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conn = conn
		f.mu.Unlock()

		f.send(Envelope{Message: MessageInfo, Content: Content{ClientConnected: Bool(true)}})

		for {
			var req Request
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			f.mu.Lock()
			f.requests = append(f.requests, req)
			respond := f.respond
			f.mu.Unlock()
			if respond != nil {
				respond(req, f.send)
			}
		}
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeCompanion) url() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http")
}

func (f *fakeCompanion) send(env Envelope) {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()

	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	conn.WriteJSON(env)
}

func (f *fakeCompanion) drop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conn.Close()
}

func (f *fakeCompanion) setResponder(respond responder) {
	f.mu.Lock()
	f.respond = respond
	f.mu.Unlock()
}

func (f *fakeCompanion) requestsFor(action Action) []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Request
	for _, r := range f.requests {
		if r.Action == action {
			out = append(out, r)
		}
	}
	return out
}

func reply(req Request, content Content) Envelope {
	return Envelope{Message: MessageInfo, From: req.To, Content: content}
}

// answerAll behaves like a healthy companion with one board attached
func answerAll(req Request, send func(Envelope)) {
	switch req.Action {
	case ActionConnect:
		send(reply(req, Content{DeviceConnected: true}))
	case ActionDisconnect:
		send(reply(req, Content{DeviceDisconnected: true}))
	case ActionGetServices:
		send(reply(req, Content{Services: []string{"0000180a-0000-1000-8000-00805f9b34fb", testService}}))
	case ActionGetCharacteristics:
		send(reply(req, Content{Characteristics: []string{testChar}}))
	case ActionStartNotify:
		send(reply(req, Content{NotifyStarted: true}))
	case ActionWrite:
		send(reply(req, Content{WriteDone: true}))
	case ActionSetBaudRate:
		send(reply(req, Content{BaudRate: req.Content.BaudRate}))
	case ActionSetDTR:
		send(reply(req, Content{DTR: req.Content.DTR}))
	case ActionGetDeviceList:
		send(reply(req, Content{ScanStart: true}))
	case ActionStopScan:
		send(reply(req, Content{ScanStop: true}))
	}
}

const (
	testService = "0000fff0-0000-1000-8000-00805f9b34fb"
	testChar    = "0000fff6-0000-1000-8000-00805f9b34fb"
)

func newTestEngine(t *testing.T, f *fakeCompanion, timeouts Timeouts) *Engine {
	t.Helper()
	engine := NewEngine(Config{URL: f.url(), Timeouts: timeouts}, zap.NewNop())
	t.Cleanup(func() { engine.Close() })
	return engine
}

func openTestEngine(t *testing.T, f *fakeCompanion, timeouts Timeouts) *Engine {
	t.Helper()
	engine := newTestEngine(t, f, timeouts)
	require.NoError(t, engine.Open(t.Context()))
	return engine
}

func shortTimeouts() Timeouts {
	return Timeouts{Connect: time.Second, Exchange: 200 * time.Millisecond, Flash: 400 * time.Millisecond}
}
