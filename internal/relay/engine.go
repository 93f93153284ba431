// internal/relay/engine.go
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"board-bridge/internal/connector"
	"board-bridge/internal/model"
)

// Timeouts bounds the engine's waits
type Timeouts struct {
	Connect  time.Duration
	Exchange time.Duration
	Flash    time.Duration
}

// DefaultTimeouts returns the companion protocol defaults
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Connect:  1000 * time.Millisecond,
		Exchange: 2000 * time.Millisecond,
		Flash:    4000 * time.Millisecond,
	}
}

// BreakerConfig configures the dial circuit breaker
type BreakerConfig struct {
	MaxFailures uint32
	Timeout     time.Duration
	Interval    time.Duration
}

// Config represents engine configuration
type Config struct {
	URL          string
	Timeouts     Timeouts
	Breaker      BreakerConfig
	WriteTimeout time.Duration
}

type correlation struct {
	id     uint64
	match  Match
	result chan exchangeResult
}

type exchangeResult struct {
	env Envelope
	err error
}

// Engine multiplexes request/response exchanges and device events over one
// WebSocket to the companion process.
type Engine struct {
	config  Config
	dialer  *websocket.Dialer
	breaker *gobreaker.CircuitBreaker[*websocket.Conn]
	logger  *zap.Logger

	openMu  sync.Mutex
	writeMu sync.Mutex

	mu       sync.Mutex
	conn     *websocket.Conn
	ready    bool
	nextID   uint64
	pending  []*correlation
	data     subscribers[func([]byte)]
	closes   subscribers[func(string)]
	discover subscribers[func(model.DiscoveredDevice)]
	closed   subscribers[func(error)]
	scanning bool
	scanType model.ConnectionType
}

// NewEngine creates an engine for the companion at config.URL
func NewEngine(config Config, logger *zap.Logger) *Engine {
	defaults := DefaultTimeouts()
	if config.Timeouts.Connect <= 0 {
		config.Timeouts.Connect = defaults.Connect
	}
	if config.Timeouts.Exchange <= 0 {
		config.Timeouts.Exchange = defaults.Exchange
	}
	if config.Timeouts.Flash <= 0 {
		config.Timeouts.Flash = defaults.Flash
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}
	if config.Breaker.MaxFailures == 0 {
		config.Breaker.MaxFailures = 3
	}

	logger = logger.With(
		zap.String("component", "relay"),
		zap.String("url", config.URL),
	)

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = config.Timeouts.Connect

	maxFailures := config.Breaker.MaxFailures
	breaker := gobreaker.NewCircuitBreaker[*websocket.Conn](gobreaker.Settings{
		Name:        "companion-dial",
		MaxRequests: 1,
		Interval:    config.Breaker.Interval,
		Timeout:     config.Breaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Companion dial breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &Engine{
		config:  config,
		dialer:  &dialer,
		breaker: breaker,
		logger:  logger,
	}
}

// Timeouts returns the effective timeouts
func (e *Engine) Timeouts() Timeouts {
	return e.config.Timeouts
}

// Open dials the companion and waits for its ready envelope.
// Opening an open engine is a no-op.
func (e *Engine) Open(ctx context.Context) error {
	e.openMu.Lock()
	defer e.openMu.Unlock()

	if e.IsReady() {
		return nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, e.config.Timeouts.Connect)
	defer cancel()

	conn, err := e.breaker.Execute(func() (*websocket.Conn, error) {
		conn, _, err := e.dialer.DialContext(dialCtx, e.config.URL, nil)
		return conn, err
	})
	if err != nil {
		e.logger.Error("Failed to connect to companion", zap.Error(err))
		return fmt.Errorf("failed to connect to companion at %s: %w", e.config.URL, err)
	}

	e.mu.Lock()
	e.conn = conn
	handshake := e.register(Match{Predicate: PredicateReady})
	e.mu.Unlock()

	go e.readPump(conn)

	if _, err := e.await(ctx, handshake, e.config.Timeouts.Connect); err != nil {
		e.teardown(conn, err)
		return fmt.Errorf("companion handshake failed: %w", err)
	}

	e.mu.Lock()
	if e.conn == conn {
		e.ready = true
	}
	e.mu.Unlock()

	e.logger.Info("Connected to companion")
	return nil
}

// IsReady reports whether the handshake completed and the socket is up
func (e *Engine) IsReady() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ready
}

// PendingCount returns the number of outstanding exchanges
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Exchange sends req and waits for the first envelope accepted by match.
// A zero timeout uses the default exchange timeout. The exchange is removed
// from the pending set exactly once whichever way it ends.
func (e *Engine) Exchange(ctx context.Context, req Request, match Match, timeout time.Duration) (Envelope, error) {
	if timeout <= 0 {
		timeout = e.config.Timeouts.Exchange
	}

	e.mu.Lock()
	if !e.ready || e.conn == nil {
		e.mu.Unlock()
		return Envelope{}, connector.ErrNotOpen
	}
	c := e.register(match)
	conn := e.conn
	e.mu.Unlock()

	if err := e.write(conn, req); err != nil {
		e.remove(c)
		return Envelope{}, err
	}

	return e.await(ctx, c, timeout)
}

// Send writes req without waiting for an answer
func (e *Engine) Send(ctx context.Context, req Request) error {
	e.mu.Lock()
	conn := e.conn
	ready := e.ready
	e.mu.Unlock()

	if !ready || conn == nil {
		return connector.ErrNotOpen
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return e.write(conn, req)
}

// register adds a pending exchange; callers hold e.mu
func (e *Engine) register(match Match) *correlation {
	e.nextID++
	c := &correlation{
		id:     e.nextID,
		match:  match,
		result: make(chan exchangeResult, 1),
	}
	e.pending = append(e.pending, c)
	return c
}

// remove drops c from the pending set and reports whether this call removed it
func (e *Engine) remove(c *correlation) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, p := range e.pending {
		if p == c {
			e.pending = append(e.pending[:i], e.pending[i+1:]...)
			return true
		}
	}
	return false
}

func (e *Engine) await(ctx context.Context, c *correlation, timeout time.Duration) (Envelope, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-c.result:
		return r.env, r.err
	case <-timer.C:
		if e.remove(c) {
			return Envelope{}, fmt.Errorf("%w: no %s within %s", connector.ErrTimeout, c.match.Predicate, timeout)
		}
	case <-ctx.Done():
		if e.remove(c) {
			return Envelope{}, ctx.Err()
		}
	}

	// Resolved concurrently; the result is already on its way
	r := <-c.result
	return r.env, r.err
}

func (e *Engine) write(conn *websocket.Conn, req Request) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(e.config.WriteTimeout))
	if err := conn.WriteJSON(req); err != nil {
		e.logger.Error("WebSocket write error", zap.Error(err), zap.String("action", string(req.Action)))
		return fmt.Errorf("failed to send %s: %w", req.Action, err)
	}

	e.logger.Debug("Request sent",
		zap.String("action", string(req.Action)),
		zap.String("device_id", req.To.DeviceID),
	)
	return nil
}

func (e *Engine) readPump(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				e.logger.Error("WebSocket read error", zap.Error(err))
			}
			e.teardown(conn, err)
			return
		}

		var env Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			e.logger.Warn("Failed to parse envelope", zap.Error(err))
			continue
		}
		env.raw = message

		e.dispatch(env)
	}
}

// dispatch hands env to at most one pending exchange and to every matching subscriber
func (e *Engine) dispatch(env Envelope) {
	deviceID := env.From.DeviceID

	e.mu.Lock()
	var resolved *correlation
	var result exchangeResult
	index := -1
	if env.Message == MessageError {
		best := -1
		for i, c := range e.pending {
			if rank := c.match.Claims(env.From); rank > best {
				best, index = rank, i
			}
		}
		result.err = &connector.TransportError{DeviceID: deviceID, Reason: env.Content.Error, Raw: env.raw}
	} else {
		for i, c := range e.pending {
			if c.match.Accepts(env) {
				index = i
				result.env = env
				break
			}
		}
	}
	if index >= 0 {
		resolved = e.pending[index]
		e.pending = append(e.pending[:index], e.pending[index+1:]...)
	}

	var dataHandlers []func([]byte)
	if len(env.Content.ReceiveData) > 0 {
		dataHandlers = e.data.get(deviceID)
	}
	var closeHandlers []func(string)
	if env.Content.DeviceDisconnected {
		closeHandlers = e.closes.get(deviceID)
	}
	var discoverHandlers []func(model.DiscoveredDevice)
	if env.Content.ScanData != nil && e.scanning {
		discoverHandlers = e.discover.get("")
	}
	rescan := env.Content.ScanStop && e.scanning
	conn, scanType := e.conn, e.scanType
	e.mu.Unlock()

	if resolved != nil {
		resolved.result <- result
	} else if env.Message == MessageError {
		e.logger.Warn("Unmatched error envelope",
			zap.String("device_id", deviceID),
			zap.String("error", env.Content.Error),
		)
	}

	for _, h := range dataHandlers {
		h(env.Content.ReceiveData)
	}
	for _, h := range closeHandlers {
		h("device disconnected")
	}
	for _, h := range discoverHandlers {
		h(env.Content.ScanData.Device())
	}

	if rescan && conn != nil {
		e.logger.Debug("Scan stopped by companion, rescanning")
		go func() {
			if err := e.write(conn, Request{Action: ActionGetDeviceList, To: Address{Type: scanType}}); err != nil {
				e.logger.Warn("Failed to restart scan", zap.Error(err))
			}
		}()
	}
}

// teardown drops conn if it is still current, rejects every outstanding
// exchange with ErrClosed and notifies connection-closed subscribers.
func (e *Engine) teardown(conn *websocket.Conn, cause error) {
	e.mu.Lock()
	if conn == nil || e.conn != conn {
		e.mu.Unlock()
		return
	}
	e.conn = nil
	e.ready = false
	e.scanning = false
	pending := e.pending
	e.pending = nil
	handlers := e.closed.get("")
	e.mu.Unlock()

	conn.Close()

	for _, c := range pending {
		c.result <- exchangeResult{err: connector.ErrClosed}
	}
	for _, h := range handlers {
		h(cause)
	}

	e.logger.Info("Companion connection closed",
		zap.Int("rejected_exchanges", len(pending)),
		zap.NamedError("cause", cause),
	)
}

// Close closes the socket. Closing a closed engine is a no-op.
func (e *Engine) Close() error {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()

	if conn == nil {
		return nil
	}

	e.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(time.Second))
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	e.writeMu.Unlock()
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		e.logger.Debug("Failed to send close frame", zap.Error(err))
	}

	e.teardown(conn, connector.ErrClosed)
	return nil
}

// SubscribeData delivers receiveData payloads for deviceID
func (e *Engine) SubscribeData(deviceID string, handler func(data []byte)) func() {
	return subscribe(e, &e.data, deviceID, handler)
}

// SubscribeClose delivers deviceDisconnected events for deviceID
func (e *Engine) SubscribeClose(deviceID string, handler func(reason string)) func() {
	return subscribe(e, &e.closes, deviceID, handler)
}

// OnConnectionClosed is called when the companion socket goes away
func (e *Engine) OnConnectionClosed(handler func(cause error)) func() {
	return subscribe(e, &e.closed, "", handler)
}

// Discover delivers devices reported while a scan is running
func (e *Engine) Discover(handler func(device model.DiscoveredDevice)) func() {
	return subscribe(e, &e.discover, "", handler)
}

// StartScan asks the companion for devices of the given type. Reports arrive
// through Discover until StopScan; a companion-side scan stop restarts the scan.
func (e *Engine) StartScan(ctx context.Context, connType model.ConnectionType) error {
	e.mu.Lock()
	e.scanning = true
	e.scanType = connType
	e.mu.Unlock()

	_, err := e.Exchange(ctx,
		Request{Action: ActionGetDeviceList, To: Address{Type: connType}},
		Match{Predicate: PredicateScanStart}, 0)
	if err != nil {
		e.mu.Lock()
		e.scanning = false
		e.mu.Unlock()
		return fmt.Errorf("failed to start scan: %w", err)
	}
	return nil
}

// StopScan ends a running scan
func (e *Engine) StopScan(ctx context.Context) error {
	e.mu.Lock()
	e.scanning = false
	connType := e.scanType
	e.mu.Unlock()

	_, err := e.Exchange(ctx,
		Request{Action: ActionStopScan, To: Address{Type: connType}},
		Match{Predicate: PredicateScanStop}, 0)
	if err != nil {
		return fmt.Errorf("failed to stop scan: %w", err)
	}
	return nil
}

// subscribers is a keyed set of handlers guarded by the engine mutex
type subscribers[F any] struct {
	byKey map[string]map[uint64]F
}

func (s *subscribers[F]) get(key string) []F {
	handlers := make([]F, 0, len(s.byKey[key]))
	for _, h := range s.byKey[key] {
		handlers = append(handlers, h)
	}
	return handlers
}

func subscribe[F any](e *Engine, s *subscribers[F], key string, handler F) func() {
	e.mu.Lock()
	if s.byKey == nil {
		s.byKey = make(map[string]map[uint64]F)
	}
	if s.byKey[key] == nil {
		s.byKey[key] = make(map[uint64]F)
	}
	e.nextID++
	id := e.nextID
	s.byKey[key][id] = handler
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(s.byKey[key], id)
			if len(s.byKey[key]) == 0 {
				delete(s.byKey, key)
			}
			e.mu.Unlock()
		})
	}
}
