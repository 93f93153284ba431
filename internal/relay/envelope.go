// internal/relay/envelope.go
package relay

import (
	"board-bridge/internal/model"
)

// MessageType classifies an inbound envelope
type MessageType string

const (
	MessageInfo    MessageType = "info"
	MessageError   MessageType = "error"
	MessageData    MessageType = "data"
	MessageWarning MessageType = "warning"
)

// Action names an outbound request
type Action string

const (
	ActionGetDeviceList      Action = "getDeviceList"
	ActionStopScan           Action = "stopScan"
	ActionConnect            Action = "connect"
	ActionDisconnect         Action = "disconnect"
	ActionGetServices        Action = "getServices"
	ActionGetCharacteristics Action = "getCharacteristics"
	ActionStartNotify        Action = "startNotify"
	ActionWrite              Action = "write"
	ActionSetBaudRate        Action = "setBaudRate"
	ActionSetDTR             Action = "setDTR"
)

// Address identifies the device, service and characteristic an envelope concerns
type Address struct {
	Name               string               `json:"name,omitempty"`
	Type               model.ConnectionType `json:"type,omitempty"`
	Address            string               `json:"address,omitempty"`
	DeviceID           string               `json:"deviceId,omitempty"`
	ServiceUUID        string               `json:"serviceUuid,omitempty"`
	CharacteristicUUID string               `json:"characteristicUuid,omitempty"`
}

// ScanData describes one device reported during a scan
type ScanData struct {
	Name         string               `json:"name"`
	Type         model.ConnectionType `json:"type"`
	DeviceID     string               `json:"deviceId"`
	Address      string               `json:"address,omitempty"`
	VendorID     string               `json:"vendorId,omitempty"`
	ProductID    string               `json:"productId,omitempty"`
	SerialNumber string               `json:"serialNumber,omitempty"`
	RSSI         int                  `json:"rssi,omitempty"`
}

// Device converts the scan report into a discovered device
func (s ScanData) Device() model.DiscoveredDevice {
	return model.DiscoveredDevice{
		ConnectionType: s.Type,
		DeviceID:       s.DeviceID,
		Name:           s.Name,
		VendorID:       s.VendorID,
		ProductID:      s.ProductID,
		SerialNumber:   s.SerialNumber,
		RSSI:           s.RSSI,
	}
}

// Content is the body of an envelope in either direction.
// Byte payloads are base64 encoded on the wire.
type Content struct {
	ClientConnected    *bool     `json:"clientConnected,omitempty"`
	ScanStart          bool      `json:"scanStart,omitempty"`
	ScanData           *ScanData `json:"scanData,omitempty"`
	ScanStop           bool      `json:"scanStop,omitempty"`
	DeviceConnected    bool      `json:"deviceConnected,omitempty"`
	DeviceDisconnected bool      `json:"deviceDisconnected,omitempty"`
	Services           []string  `json:"services"`
	Characteristics    []string  `json:"characteristics"`
	NotifyStarted      bool      `json:"notifyStarted,omitempty"`
	WriteDone          bool      `json:"writeDone,omitempty"`
	BaudRate           int       `json:"baudRate,omitempty"`
	DTR                *bool     `json:"dtr,omitempty"`
	Data               []byte    `json:"data,omitempty"`
	ReceiveData        []byte    `json:"receiveData,omitempty"`
	Error              string    `json:"error,omitempty"`
}

// Envelope is a message received from the companion process
type Envelope struct {
	Message MessageType `json:"message"`
	From    Address     `json:"from"`
	Content Content     `json:"content"`

	raw []byte
}

// Raw returns the envelope as it was received
func (e Envelope) Raw() []byte {
	return e.raw
}

// Request is a message sent to the companion process
type Request struct {
	Action  Action  `json:"action"`
	To      Address `json:"to"`
	Content Content `json:"content"`
}

// Bool returns a pointer to v for optional content flags
func Bool(v bool) *bool {
	return &v
}
