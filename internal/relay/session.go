// internal/relay/session.go
package relay

import (
	"sync"

	"go.uber.org/zap"

	"board-bridge/internal/connector"
	"board-bridge/internal/model"
)

// session holds the state shared by the relay connectors: the open flag,
// the data handler and the engine subscriptions of one open device.
type session struct {
	engine *Engine
	target model.Target
	logger *zap.Logger

	mu      sync.Mutex
	open    bool
	handler func([]byte)
	unsubs  []func()
	closer  connector.CloseNotifier
}

func newSession(engine *Engine, target model.Target, logger *zap.Logger) *session {
	return &session{
		engine: engine,
		target: target,
		logger: logger.With(
			zap.String("protocol", "relay"),
			zap.String("device_id", target.DeviceID),
			zap.String("connection_type", string(target.Type)),
		),
	}
}

// subscribe routes the device's events to the session. Call it before the
// connect request goes out and pair it with activate or abandon.
func (s *session) subscribe() {
	unsubs := []func(){
		s.engine.SubscribeData(s.target.DeviceID, s.dispatch),
		s.engine.SubscribeClose(s.target.DeviceID, func(reason string) {
			s.shutdown(reason)
		}),
		s.engine.OnConnectionClosed(func(error) {
			s.shutdown("companion connection closed")
		}),
	}

	s.mu.Lock()
	s.unsubs = unsubs
	s.mu.Unlock()
}

// activate marks a subscribed session open
func (s *session) activate() {
	s.mu.Lock()
	s.open = true
	s.mu.Unlock()
	s.closer.Arm()
}

// abandon drops the subscriptions of a session that failed to open
func (s *session) abandon() {
	s.mu.Lock()
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()

	for _, unsubscribe := range unsubs {
		unsubscribe()
	}
}

// shutdown marks the session closed and fires the close event once
func (s *session) shutdown(reason string) bool {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return false
	}
	s.open = false
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()

	for _, unsubscribe := range unsubs {
		unsubscribe()
	}
	s.closer.Fire(reason)
	s.logger.Info("Relay device closed", zap.String("reason", reason))
	return true
}

func (s *session) dispatch(data []byte) {
	s.mu.Lock()
	handler := s.handler
	s.mu.Unlock()
	if handler != nil {
		handler(data)
	}
}

// IsOpen returns whether the device is open
func (s *session) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// SetDataHandler sets the callback for received bytes
func (s *session) SetDataHandler(handler func(data []byte)) {
	s.mu.Lock()
	s.handler = handler
	s.mu.Unlock()
}

// OnClose registers a close event handler
func (s *session) OnClose(handler func(reason string)) func() {
	return s.closer.Subscribe(handler)
}

// Type returns the connection type
func (s *session) Type() model.ConnectionType {
	return s.target.Type
}
