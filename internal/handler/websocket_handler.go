// internal/handler/websocket_handler.go
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"board-bridge/internal/config"
	"board-bridge/internal/connector"
	"board-bridge/internal/model"
	"board-bridge/internal/relay"
	"board-bridge/internal/utils"
)

const writeWait = 10 * time.Second

// PortScanner lists the serial ports a client may connect to
type PortScanner interface {
	ScanByType(ctx context.Context, scannerType string) ([]model.DiscoveredDevice, error)
}

// WebSocketHandler serves the companion side of the relay protocol: it
// answers host requests against native serial ports and pushes their data
// and disconnect events back as envelopes.
type WebSocketHandler struct {
	upgrader    websocket.Upgrader
	connections *ConnectionManager
	ports       connector.Factory
	scanner     PortScanner
	config      config.CompanionConfig
	logger      *utils.ServiceLogger
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(cfg config.CompanionConfig, ports connector.Factory, scanner PortScanner, logger *zap.Logger) *WebSocketHandler {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 54 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 2 * time.Second
	}

	h := &WebSocketHandler{
		connections: NewConnectionManager(),
		ports:       ports,
		scanner:     scanner,
		config:      cfg,
		logger:      utils.NewServiceLogger(logger, "websocket-handler"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// RegisterRoutes registers WebSocket routes
func (h *WebSocketHandler) RegisterRoutes(router gin.IRoutes) {
	router.GET("/", h.HandleConnection)
}

// Connections returns the client registry
func (h *WebSocketHandler) Connections() *ConnectionManager {
	return h.connections
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.config.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(h.config.AllowedOrigins, origin)
}

// HandleConnection upgrades a host connection and greets it with the ready envelope
func (h *WebSocketHandler) HandleConnection(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}

	client := newClient(uuid.New().String(), conn)
	client.UserAgent = c.Request.UserAgent()
	client.RemoteAddr = c.Request.RemoteAddr

	h.connections.Register(client)
	h.logger.Info("Host client connected",
		zap.String("client_id", client.ID),
		zap.String("remote_addr", client.RemoteAddr),
	)

	h.sendEnvelope(client, relay.Envelope{
		Message: relay.MessageInfo,
		Content: relay.Content{ClientConnected: relay.Bool(true)},
	})

	go h.handleClientRead(client)
	go h.handleClientWrite(client)
}

// handleClientRead handles requests from the host until the socket fails
func (h *WebSocketHandler) handleClientRead(client *Client) {
	defer h.disconnectClient(client)

	pongWait := h.config.PingInterval * 10 / 9
	if h.config.ReadLimit > 0 {
		client.Connection.SetReadLimit(h.config.ReadLimit)
	}
	client.Connection.SetReadDeadline(time.Now().Add(pongWait))
	client.Connection.SetPongHandler(func(string) error {
		client.Connection.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, messageBytes, err := client.Connection.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Error("WebSocket read error",
					zap.Error(err),
					zap.String("client_id", client.ID),
				)
			}
			return
		}
		client.Connection.SetReadDeadline(time.Now().Add(pongWait))

		var req relay.Request
		if err := json.Unmarshal(messageBytes, &req); err != nil {
			h.logger.Warn("Failed to parse request",
				zap.Error(err),
				zap.String("client_id", client.ID),
			)
			continue
		}

		h.handleRequest(client, &req)
	}
}

// handleClientWrite drains the client's send queue and keeps the socket alive
func (h *WebSocketHandler) handleClientWrite(client *Client) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer func() {
		ticker.Stop()
		client.Connection.Close()
	}()

	for {
		select {
		case message := <-client.Send:
			client.Connection.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Connection.WriteMessage(websocket.TextMessage, message); err != nil {
				h.logger.Error("WebSocket write error",
					zap.Error(err),
					zap.String("client_id", client.ID),
				)
				return
			}

		case <-ticker.C:
			client.Connection.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Connection.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-client.closed():
			client.Connection.SetWriteDeadline(time.Now().Add(writeWait))
			client.Connection.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// disconnectClient releases every port the client opened
func (h *WebSocketHandler) disconnectClient(client *Client) {
	if !h.connections.Unregister(client) {
		return
	}

	client.mu.Lock()
	ports := client.ports
	client.ports = make(map[string]*openPort)
	cancelScan := client.cancelScan
	client.cancelScan = nil
	client.mu.Unlock()

	if cancelScan != nil {
		cancelScan()
	}
	for id, p := range ports {
		p.unwatch()
		if err := p.conn.Close(); err != nil {
			h.logger.Warn("Failed to close port", zap.String("device_id", id), zap.Error(err))
		}
	}

	h.logger.Info("Host client disconnected",
		zap.String("client_id", client.ID),
		zap.Int("ports_closed", len(ports)),
	)
}

// handleRequest answers one host request
func (h *WebSocketHandler) handleRequest(client *Client, req *relay.Request) {
	h.logger.Debug("Request received",
		zap.String("client_id", client.ID),
		zap.String("action", string(req.Action)),
		zap.String("device_id", req.To.DeviceID),
	)

	if req.To.Type == model.ConnectionTypeBLE {
		h.sendError(client, req, "bluetooth devices are not served by the companion")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.config.RequestTimeout)
	defer cancel()

	var err error
	switch req.Action {
	case relay.ActionGetDeviceList:
		h.startScan(client, req)
	case relay.ActionStopScan:
		h.stopScan(client)
		h.reply(client, req, relay.Content{ScanStop: true})
	case relay.ActionConnect:
		err = h.connect(ctx, client, req)
	case relay.ActionDisconnect:
		err = h.disconnect(client, req)
	case relay.ActionWrite:
		err = h.write(ctx, client, req)
	case relay.ActionSetBaudRate:
		err = h.setBaudRate(ctx, client, req)
	case relay.ActionSetDTR:
		err = h.setDTR(ctx, client, req)
	case relay.ActionGetServices, relay.ActionGetCharacteristics, relay.ActionStartNotify:
		err = fmt.Errorf("%s is only available for bluetooth devices", req.Action)
	default:
		h.logger.Warn("Unknown action",
			zap.String("action", string(req.Action)),
			zap.String("client_id", client.ID),
		)
		err = fmt.Errorf("unknown action: %s", req.Action)
	}

	if err != nil {
		h.sendError(client, req, err.Error())
	}
}

func deviceID(to relay.Address) string {
	if to.DeviceID != "" {
		return to.DeviceID
	}
	return to.Address
}

func (h *WebSocketHandler) connect(ctx context.Context, client *Client, req *relay.Request) error {
	id := deviceID(req.To)
	if id == "" {
		return errors.New("deviceId is required")
	}
	if _, ok := client.port(id); ok {
		h.reply(client, req, relay.Content{DeviceConnected: true})
		return nil
	}

	conn, err := h.ports(model.Target{DeviceID: id, Name: req.To.Name, Type: model.ConnectionTypeSerial})
	if err != nil {
		return err
	}

	from := relay.Address{Type: model.ConnectionTypeSerial, Name: req.To.Name, DeviceID: id}
	conn.SetDataHandler(func(data []byte) {
		h.sendEnvelope(client, relay.Envelope{
			Message: relay.MessageData,
			From:    from,
			Content: relay.Content{ReceiveData: append([]byte(nil), data...)},
		})
	})
	unwatch := conn.OnClose(func(reason string) {
		if !client.removePort(id) {
			return
		}
		h.logger.Info("Port closed underneath client",
			zap.String("client_id", client.ID),
			zap.String("device_id", id),
			zap.String("reason", reason),
		)
		h.sendEnvelope(client, relay.Envelope{
			Message: relay.MessageInfo,
			From:    from,
			Content: relay.Content{DeviceDisconnected: true},
		})
	})

	if err := conn.Open(ctx, req.Content.BaudRate); err != nil {
		unwatch()
		return err
	}
	client.addPort(id, &openPort{conn: conn, unwatch: unwatch})

	h.reply(client, req, relay.Content{DeviceConnected: true})
	return nil
}

func (h *WebSocketHandler) disconnect(client *Client, req *relay.Request) error {
	id := deviceID(req.To)
	p, ok := client.port(id)
	if ok && client.removePort(id) {
		p.unwatch()
		if err := p.conn.Close(); err != nil {
			return err
		}
	}
	h.reply(client, req, relay.Content{DeviceDisconnected: true})
	return nil
}

func (h *WebSocketHandler) write(ctx context.Context, client *Client, req *relay.Request) error {
	p, err := h.heldPort(client, req)
	if err != nil {
		return err
	}
	if _, err := p.conn.Send(ctx, req.Content.Data, connector.SendOptions{}); err != nil {
		return err
	}
	h.reply(client, req, relay.Content{WriteDone: true})
	return nil
}

func (h *WebSocketHandler) setBaudRate(ctx context.Context, client *Client, req *relay.Request) error {
	p, err := h.heldPort(client, req)
	if err != nil {
		return err
	}
	setter, ok := p.conn.(connector.BaudRateSetter)
	if !ok {
		return connector.ErrNotSupported
	}
	if err := setter.SetBaudRate(ctx, req.Content.BaudRate); err != nil {
		return err
	}
	h.reply(client, req, relay.Content{BaudRate: req.Content.BaudRate})
	return nil
}

func (h *WebSocketHandler) setDTR(ctx context.Context, client *Client, req *relay.Request) error {
	if req.Content.DTR == nil {
		return errors.New("dtr is required")
	}
	p, err := h.heldPort(client, req)
	if err != nil {
		return err
	}
	if err := p.conn.SetDTR(ctx, *req.Content.DTR); err != nil {
		return err
	}
	h.reply(client, req, relay.Content{DTR: req.Content.DTR})
	return nil
}

func (h *WebSocketHandler) heldPort(client *Client, req *relay.Request) (*openPort, error) {
	id := deviceID(req.To)
	p, ok := client.port(id)
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, connector.ErrNotOpen)
	}
	return p, nil
}

// startScan reports the serial ports, holds the result for the scan interval
// and then signals scanStop so the host can rescan
func (h *WebSocketHandler) startScan(client *Client, req *relay.Request) {
	h.stopScan(client)

	ctx, cancel := context.WithCancel(context.Background())
	client.mu.Lock()
	client.cancelScan = cancel
	client.mu.Unlock()

	h.reply(client, req, relay.Content{ScanStart: true})

	go func() {
		defer cancel()

		devices, err := h.scanner.ScanByType(ctx, "serial")
		if err != nil {
			h.logger.Warn("Port scan failed", zap.Error(err))
			h.sendError(client, req, err.Error())
			return
		}

		for _, device := range devices {
			h.sendEnvelope(client, relay.Envelope{
				Message: relay.MessageInfo,
				From:    relay.Address{Type: model.ConnectionTypeSerial, DeviceID: device.DeviceID},
				Content: relay.Content{ScanData: &relay.ScanData{
					Name:         device.Name,
					Type:         model.ConnectionTypeSerial,
					DeviceID:     device.DeviceID,
					VendorID:     device.VendorID,
					ProductID:    device.ProductID,
					SerialNumber: device.SerialNumber,
				}},
			})
		}

		select {
		case <-ctx.Done():
			return
		case <-client.closed():
			return
		case <-time.After(h.config.ScanInterval):
		}
		h.reply(client, req, relay.Content{ScanStop: true})
	}()
}

func (h *WebSocketHandler) stopScan(client *Client) {
	client.mu.Lock()
	cancel := client.cancelScan
	client.cancelScan = nil
	client.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (h *WebSocketHandler) reply(client *Client, req *relay.Request, content relay.Content) {
	h.sendEnvelope(client, relay.Envelope{Message: relay.MessageInfo, From: req.To, Content: content})
}

// sendError sends an error envelope scoped to the request's device
func (h *WebSocketHandler) sendError(client *Client, req *relay.Request, errorMsg string) {
	h.sendEnvelope(client, relay.Envelope{
		Message: relay.MessageError,
		From:    req.To,
		Content: relay.Content{Error: errorMsg},
	})
}

// sendEnvelope queues env for the client unless it has gone away
func (h *WebSocketHandler) sendEnvelope(client *Client, env relay.Envelope) {
	messageBytes, err := json.Marshal(env)
	if err != nil {
		h.logger.Error("Failed to marshal envelope", zap.Error(err))
		return
	}

	select {
	case client.Send <- messageBytes:
	case <-client.closed():
	}
}
