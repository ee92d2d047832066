package mqtt

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"healthsense-server/internal/config"
)

func testConfig() config.Config {
	return config.Config{
		MQTTBroker:   "127.0.0.1",
		MQTTPort:     1, // nothing listens here
		MQTTClientID: "healthsense-test",
		MQTTTopic:    "healthsense/telemetry",
	}
}

func TestHandleMessage_DispatchesRawPayload(t *testing.T) {
	s := NewSubscriber(testConfig(), nil)

	var gotTopic, gotPayload string
	s.SetMessageHandler(func(topic string, payload []byte) error {
		gotTopic, gotPayload = topic, string(payload)
		return nil
	})

	s.handleMessage("healthsense/telemetry", []byte(`{"aqi":82}`))

	if gotTopic != "healthsense/telemetry" || gotPayload != `{"aqi":82}` {
		t.Errorf("handler got %q %q", gotTopic, gotPayload)
	}
}

func TestHandleMessage_NoHandlerOrErrorDoesNotPanic(t *testing.T) {
	s := NewSubscriber(testConfig(), nil)
	s.handleMessage("t", []byte("x"))

	calls := 0
	s.SetMessageHandler(func(string, []byte) error {
		calls++
		return errors.New("rejected")
	})
	s.handleMessage("t", []byte("x"))

	if calls != 1 {
		t.Errorf("calls = %d; want 1", calls)
	}
}

func TestConnect_ContextTimeout(t *testing.T) {
	s := NewSubscriber(testConfig(), nil)
	t.Cleanup(s.Disconnect)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := s.Connect(ctx)
	if err == nil {
		t.Fatal("Connect() = nil; want error with no broker")
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("Connect took %v; want it bounded by ctx", time.Since(start))
	}
	if s.IsConnected() {
		t.Error("IsConnected() = true without broker")
	}
}

func TestDisconnect_IdempotentAndStopsConnect(t *testing.T) {
	s := NewSubscriber(testConfig(), nil)

	s.Disconnect()
	s.Disconnect()

	err := s.Connect(context.Background())
	if !errors.Is(err, ErrStopped) {
		t.Errorf("Connect after Disconnect = %v; want ErrStopped", err)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate([]byte("short"), 10); got != "short" {
		t.Errorf("truncate = %q", got)
	}
	long := strings.Repeat("a", 20)
	if got := truncate([]byte(long), 5); got != "aaaaa..." {
		t.Errorf("truncate = %q", got)
	}
}
