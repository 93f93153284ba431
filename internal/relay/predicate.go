// internal/relay/predicate.go
package relay

import "fmt"

// Predicate names the test a correlated exchange runs against each inbound envelope.
// The companion protocol carries no transaction ids, so answers are matched by content.
type Predicate int

const (
	PredicateReady Predicate = iota
	PredicateScanStart
	PredicateScanData
	PredicateScanStop
	PredicateDeviceConnected
	PredicateDeviceDisconnected
	PredicateServiceList
	PredicateCharacteristicList
	PredicateNotifyStarted
	PredicateWriteDone
	PredicateBaudRateSet
	PredicateDTRSet
)

var predicateNames = [...]string{
	PredicateReady:              "ready",
	PredicateScanStart:          "scanStart",
	PredicateScanData:           "scanData",
	PredicateScanStop:           "scanStop",
	PredicateDeviceConnected:    "deviceConnected",
	PredicateDeviceDisconnected: "deviceDisconnected",
	PredicateServiceList:        "serviceList",
	PredicateCharacteristicList: "characteristicList",
	PredicateNotifyStarted:      "notifyStarted",
	PredicateWriteDone:          "writeDone",
	PredicateBaudRateSet:        "baudRateSet",
	PredicateDTRSet:             "dtrSet",
}

func (p Predicate) String() string {
	if p < 0 || int(p) >= len(predicateNames) {
		return fmt.Sprintf("Predicate(%d)", int(p))
	}
	return predicateNames[p]
}

// Test reports whether content answers p
func (p Predicate) Test(c Content) bool {
	switch p {
	case PredicateReady:
		return c.ClientConnected != nil && *c.ClientConnected
	case PredicateScanStart:
		return c.ScanStart
	case PredicateScanData:
		return c.ScanData != nil
	case PredicateScanStop:
		return c.ScanStop
	case PredicateDeviceConnected:
		return c.DeviceConnected
	case PredicateDeviceDisconnected:
		return c.DeviceDisconnected
	case PredicateServiceList:
		return c.Services != nil
	case PredicateCharacteristicList:
		return c.Characteristics != nil
	case PredicateNotifyStarted:
		return c.NotifyStarted
	case PredicateWriteDone:
		return c.WriteDone
	case PredicateBaudRateSet:
		return c.BaudRate != 0
	case PredicateDTRSet:
		return c.DTR != nil
	default:
		panic(fmt.Sprintf("relay: unhandled predicate %d", int(p)))
	}
}

// Match selects the envelope that answers an exchange.
// Empty scope fields match any value.
type Match struct {
	Predicate          Predicate
	DeviceID           string
	ServiceUUID        string
	CharacteristicUUID string
}

// InScope reports whether the envelope's origin falls within the match scope
func (m Match) InScope(from Address) bool {
	if m.DeviceID != "" && m.DeviceID != from.DeviceID {
		return false
	}
	if m.ServiceUUID != "" && m.ServiceUUID != from.ServiceUUID {
		return false
	}
	if m.CharacteristicUUID != "" && m.CharacteristicUUID != from.CharacteristicUUID {
		return false
	}
	return true
}

// Claims ranks how specifically the exchange owns an error from `from`, or
// returns -1 when it does not. An error naming a device is only claimed by
// exchanges scoped to that device; an unattributed error only by unscoped ones.
func (m Match) Claims(from Address) int {
	if m.DeviceID != from.DeviceID || !m.InScope(from) {
		return -1
	}
	rank := 0
	for _, scope := range []string{m.DeviceID, m.ServiceUUID, m.CharacteristicUUID} {
		if scope != "" {
			rank++
		}
	}
	return rank
}

// Accepts reports whether env answers the exchange
func (m Match) Accepts(env Envelope) bool {
	return env.Message != MessageError && m.InScope(env.From) && m.Predicate.Test(env.Content)
}
