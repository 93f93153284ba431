package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"board-bridge/internal/connector"
	"board-bridge/internal/model"
)

func TestEngine_OpenWaitsForReady(t *testing.T) {
	f := newFakeCompanion(t, answerAll)
	engine := newTestEngine(t, f, shortTimeouts())

	_, err := engine.Exchange(t.Context(), Request{Action: ActionGetServices}, Match{Predicate: PredicateServiceList}, 0)
	assert.ErrorIs(t, err, connector.ErrNotOpen, "requests are gated until the handshake")

	require.NoError(t, engine.Open(t.Context()))
	assert.True(t, engine.IsReady())
	assert.Equal(t, 0, engine.PendingCount())

	require.NoError(t, engine.Open(t.Context()), "open is idempotent")
}

func TestEngine_OpenFailsWithoutCompanion(t *testing.T) {
	engine := NewEngine(Config{URL: "ws://127.0.0.1:1", Timeouts: shortTimeouts()}, zap.NewNop())
	assert.Error(t, engine.Open(t.Context()))
	assert.False(t, engine.IsReady())
}

func TestEngine_ExchangeLeavesNoListeners(t *testing.T) {
	f := newFakeCompanion(t, answerAll)
	engine := openTestEngine(t, f, Timeouts{Connect: time.Second, Exchange: 50 * time.Millisecond, Flash: time.Second})

	before := engine.PendingCount()

	env, err := engine.Exchange(t.Context(),
		Request{Action: ActionGetServices, To: Address{DeviceID: "A"}},
		Match{Predicate: PredicateServiceList, DeviceID: "A"}, 0)
	require.NoError(t, err)
	assert.Contains(t, env.Content.Services, testService)
	assert.Equal(t, before, engine.PendingCount())

	f.setResponder(nil)
	_, err = engine.Exchange(t.Context(),
		Request{Action: ActionGetServices, To: Address{DeviceID: "A"}},
		Match{Predicate: PredicateServiceList, DeviceID: "A"}, 0)
	require.ErrorIs(t, err, connector.ErrTimeout)
	assert.Equal(t, before, engine.PendingCount())

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err = engine.Exchange(ctx,
		Request{Action: ActionGetServices, To: Address{DeviceID: "A"}},
		Match{Predicate: PredicateServiceList, DeviceID: "A"}, time.Second)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, before, engine.PendingCount())
}

func TestEngine_TimeoutFiresOnSchedule(t *testing.T) {
	f := newFakeCompanion(t, nil)
	engine := openTestEngine(t, f, Timeouts{Connect: time.Second, Exchange: 50 * time.Millisecond, Flash: time.Second})

	start := time.Now()
	_, err := engine.Exchange(t.Context(), Request{Action: ActionGetServices}, Match{Predicate: PredicateServiceList}, 0)
	elapsed := time.Since(start)

	require.ErrorIs(t, err, connector.ErrTimeout)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, 500*time.Millisecond)
}

func TestEngine_CorrelationIsScopedByDevice(t *testing.T) {
	f := newFakeCompanion(t, nil)
	engine := openTestEngine(t, f, shortTimeouts())

	// Answer B before A, each with its own service list
	var mu sync.Mutex
	var held []Request
	f.setResponder(func(req Request, send func(Envelope)) {
		mu.Lock()
		defer mu.Unlock()
		held = append(held, req)
		if len(held) < 2 {
			return
		}
		for i := len(held) - 1; i >= 0; i-- {
			r := held[i]
			send(reply(r, Content{Services: []string{"service-of-" + r.To.DeviceID}}))
		}
	})

	type outcome struct {
		env Envelope
		err error
	}
	results := make(map[string]chan outcome)
	for i, id := range []string{"A", "B"} {
		results[id] = make(chan outcome, 1)
		go func(id string) {
			env, err := engine.Exchange(t.Context(),
				Request{Action: ActionGetServices, To: Address{DeviceID: id}},
				Match{Predicate: PredicateServiceList, DeviceID: id}, 0)
			results[id] <- outcome{env, err}
		}(id)
		// keep submission order deterministic
		require.Eventually(t, func() bool { return len(f.requestsFor(ActionGetServices)) > i }, time.Second, time.Millisecond)
	}

	for _, id := range []string{"A", "B"} {
		r := <-results[id]
		require.NoError(t, r.err)
		assert.Equal(t, id, r.env.From.DeviceID)
		assert.Equal(t, []string{"service-of-" + id}, r.env.Content.Services)
	}
	assert.Equal(t, 0, engine.PendingCount())
}

func TestEngine_ForeignDeviceDoesNotResolve(t *testing.T) {
	f := newFakeCompanion(t, func(req Request, send func(Envelope)) {
		send(Envelope{Message: MessageInfo, From: Address{DeviceID: "B"}, Content: Content{Services: []string{"x"}}})
	})
	engine := openTestEngine(t, f, Timeouts{Connect: time.Second, Exchange: 80 * time.Millisecond, Flash: time.Second})

	_, err := engine.Exchange(t.Context(),
		Request{Action: ActionGetServices, To: Address{DeviceID: "A"}},
		Match{Predicate: PredicateServiceList, DeviceID: "A"}, 0)
	assert.ErrorIs(t, err, connector.ErrTimeout)
}

func TestEngine_ErrorEnvelopeRejects(t *testing.T) {
	f := newFakeCompanion(t, func(req Request, send func(Envelope)) {
		send(Envelope{Message: MessageError, From: req.To, Content: Content{Error: "port busy"}})
	})
	engine := openTestEngine(t, f, shortTimeouts())

	_, err := engine.Exchange(t.Context(),
		Request{Action: ActionConnect, To: Address{DeviceID: "/dev/ttyUSB0"}},
		Match{Predicate: PredicateDeviceConnected, DeviceID: "/dev/ttyUSB0"}, 0)

	var te *connector.TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "port busy", te.Reason)
	assert.Contains(t, string(te.Raw), "port busy")
	assert.Equal(t, 0, engine.PendingCount())
}

func TestEngine_ConnectionLossRejectsPending(t *testing.T) {
	f := newFakeCompanion(t, nil)
	engine := openTestEngine(t, f, Timeouts{Connect: time.Second, Exchange: 5 * time.Second, Flash: 5 * time.Second})

	closed := make(chan error, 1)
	engine.OnConnectionClosed(func(cause error) { closed <- cause })

	errs := make(chan error, 1)
	go func() {
		_, err := engine.Exchange(t.Context(), Request{Action: ActionGetServices}, Match{Predicate: PredicateServiceList}, 0)
		errs <- err
	}()
	require.Eventually(t, func() bool { return engine.PendingCount() == 1 }, time.Second, time.Millisecond)

	f.drop()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, connector.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("pending exchange not rejected")
	}
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("connection closed event not emitted")
	}
	assert.False(t, engine.IsReady())
	assert.Equal(t, 0, engine.PendingCount())
}

func TestEngine_DataAndCloseEventsAreKeyedByDevice(t *testing.T) {
	f := newFakeCompanion(t, answerAll)
	engine := openTestEngine(t, f, shortTimeouts())

	dataA := make(chan []byte, 1)
	var dataB [][]byte
	unsubscribeA := engine.SubscribeData("A", func(b []byte) { dataA <- b })
	engine.SubscribeData("B", func(b []byte) { dataB = append(dataB, b) })
	closedA := make(chan string, 1)
	engine.SubscribeClose("A", func(reason string) { closedA <- reason })

	f.send(Envelope{Message: MessageData, From: Address{DeviceID: "A"}, Content: Content{ReceiveData: []byte{0x14, 0x10}}})
	select {
	case b := <-dataA:
		assert.Equal(t, []byte{0x14, 0x10}, b)
	case <-time.After(time.Second):
		t.Fatal("data not delivered")
	}

	f.send(Envelope{Message: MessageInfo, From: Address{DeviceID: "A"}, Content: Content{DeviceDisconnected: true}})
	select {
	case <-closedA:
	case <-time.After(time.Second):
		t.Fatal("close not delivered")
	}

	unsubscribeA()
	unsubscribeA()
	assert.Empty(t, dataB)
}

func TestEngine_ScanRestartsWhenCompanionStops(t *testing.T) {
	f := newFakeCompanion(t, answerAll)
	engine := openTestEngine(t, f, shortTimeouts())

	found := make(chan model.DiscoveredDevice, 4)
	unsubscribe := engine.Discover(func(d model.DiscoveredDevice) { found <- d })
	defer unsubscribe()

	require.NoError(t, engine.StartScan(t.Context(), model.ConnectionTypeSerial))

	f.send(Envelope{Message: MessageInfo, Content: Content{ScanData: &ScanData{
		Name: "microduino-core", Type: model.ConnectionTypeSerial, DeviceID: "/dev/ttyUSB0", VendorID: "1A86", ProductID: "7523",
	}}})
	select {
	case d := <-found:
		assert.Equal(t, "/dev/ttyUSB0", d.DeviceID)
		assert.Equal(t, model.ConnectionTypeSerial, d.ConnectionType)
	case <-time.After(time.Second):
		t.Fatal("scan data not delivered")
	}

	f.send(Envelope{Message: MessageInfo, Content: Content{ScanStop: true}})
	require.Eventually(t, func() bool { return len(f.requestsFor(ActionGetDeviceList)) == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, engine.StopScan(t.Context()))
	f.send(Envelope{Message: MessageInfo, Content: Content{ScanStop: true}})
	f.send(Envelope{Message: MessageInfo, Content: Content{ScanData: &ScanData{DeviceID: "late"}}})

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, f.requestsFor(ActionGetDeviceList), 2)
	assert.Empty(t, found)
}

func TestEngine_FailedRescanIsLogged(t *testing.T) {
	f := newFakeCompanion(t, answerAll)
	core, logs := observer.New(zap.DebugLevel)
	// every write misses its deadline
	engine := NewEngine(Config{URL: f.url(), Timeouts: shortTimeouts(), WriteTimeout: time.Nanosecond}, zap.New(core))
	t.Cleanup(func() { engine.Close() })
	require.NoError(t, engine.Open(t.Context()))

	engine.mu.Lock()
	engine.scanning = true
	engine.scanType = model.ConnectionTypeSerial
	engine.mu.Unlock()

	engine.dispatch(Envelope{Message: MessageInfo, Content: Content{ScanStop: true}})

	require.Eventually(t, func() bool {
		return logs.FilterMessage("Failed to restart scan").Len() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestEngine_DeviceErrorGoesToItsOwnExchange(t *testing.T) {
	f := newFakeCompanion(t, func(req Request, send func(Envelope)) {
		if req.Action == ActionWrite {
			send(Envelope{Message: MessageError, From: req.To, Content: Content{Error: "write failed on A"}})
		}
	})
	engine := openTestEngine(t, f, Timeouts{Connect: time.Second, Exchange: 2 * time.Second, Flash: 2 * time.Second})

	scanErr := make(chan error, 1)
	go func() {
		scanErr <- engine.StartScan(t.Context(), model.ConnectionTypeSerial)
	}()
	require.Eventually(t, func() bool { return engine.PendingCount() == 1 }, time.Second, time.Millisecond)

	_, err := engine.Exchange(t.Context(),
		Request{Action: ActionWrite, To: Address{DeviceID: "A"}, Content: Content{Data: []byte{0x30}}},
		Match{Predicate: PredicateWriteDone, DeviceID: "A"}, 0)

	var te *connector.TransportError
	require.True(t, errors.As(err, &te), "write got %v", err)
	assert.Equal(t, "A", te.DeviceID)
	assert.Equal(t, 1, engine.PendingCount(), "scan must still be waiting")

	f.send(Envelope{Message: MessageError, Content: Content{Error: "no ports"}})
	select {
	case err := <-scanErr:
		require.True(t, errors.As(err, &te))
		assert.Equal(t, "no ports", te.Reason)
	case <-time.After(time.Second):
		t.Fatal("scan not rejected by unattributed error")
	}
	assert.Equal(t, 0, engine.PendingCount())
}

func TestEngine_ErrorPrefersMostSpecificExchange(t *testing.T) {
	f := newFakeCompanion(t, nil)
	engine := openTestEngine(t, f, Timeouts{Connect: time.Second, Exchange: 300 * time.Millisecond, Flash: time.Second})

	deviceErr := make(chan error, 1)
	go func() {
		_, err := engine.Exchange(t.Context(), Request{Action: ActionGetServices, To: Address{DeviceID: "A"}},
			Match{Predicate: PredicateServiceList, DeviceID: "A"}, 0)
		deviceErr <- err
	}()
	require.Eventually(t, func() bool { return engine.PendingCount() == 1 }, time.Second, time.Millisecond)

	charErr := make(chan error, 1)
	go func() {
		_, err := engine.Exchange(t.Context(), Request{Action: ActionStartNotify, To: Address{DeviceID: "A"}},
			Match{Predicate: PredicateNotifyStarted, DeviceID: "A", ServiceUUID: testService, CharacteristicUUID: testChar}, 0)
		charErr <- err
	}()
	require.Eventually(t, func() bool { return engine.PendingCount() == 2 }, time.Second, time.Millisecond)

	f.send(Envelope{
		Message: MessageError,
		From:    Address{DeviceID: "A", ServiceUUID: testService, CharacteristicUUID: testChar},
		Content: Content{Error: "notify refused"},
	})

	var te *connector.TransportError
	select {
	case err := <-charErr:
		require.True(t, errors.As(err, &te))
		assert.Equal(t, "notify refused", te.Reason)
	case <-time.After(time.Second):
		t.Fatal("characteristic exchange not rejected")
	}
	assert.ErrorIs(t, <-deviceErr, connector.ErrTimeout)
}
