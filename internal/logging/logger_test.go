package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/hearthlink/hearthlink/internal/events"
)

func TestDaemonModeWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithWriter("daemon", nil, &buf)

	l.Info().Str("device", "d1").Msg("status refreshed")

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("daemon output is not JSON: %v (%q)", err, buf.String())
	}
	if entry["message"] != "status refreshed" {
		t.Errorf("message = %v", entry["message"])
	}
	if entry["device"] != "d1" {
		t.Errorf("device = %v", entry["device"])
	}
}

func TestOutputIsRedacted(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithWriter("daemon", nil, &buf)

	l.Warnf("login rejected for %s with body %s", "alice@example.com", `{"password":"hunter2"}`)
	l.Info().Str("auth", "Bearer abcdefghijklmnop").Msg("request")

	out := buf.String()
	for _, secret := range []string{"alice@example.com", "hunter2", "abcdefghijklmnop"} {
		if strings.Contains(out, secret) {
			t.Errorf("log output leaked %q: %s", secret, out)
		}
	}
}

func TestComponentAddsField(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithWriter("daemon", nil, &buf).Component("breaker")
	l.Infof("opened")
	if !strings.Contains(buf.String(), `"component":"breaker"`) {
		t.Errorf("component field missing: %s", buf.String())
	}
}

func TestWarnfMirrorsToEventBus(t *testing.T) {
	bus := events.NewEventBus(10)
	defer bus.Close()
	ch := bus.Subscribe(events.EventLog)

	var buf bytes.Buffer
	l := NewLoggerWithWriter("cli", bus, &buf)
	l.Warnf("breaker opened for %s", "getDevices")

	select {
	case ev := <-ch:
		logEv, ok := ev.(*events.LogEvent)
		if !ok {
			t.Fatalf("unexpected event type %T", ev)
		}
		if logEv.Level != events.WarnLevel {
			t.Errorf("level = %v", logEv.Level)
		}
		if !strings.Contains(logEv.Message, "getDevices") {
			t.Errorf("message = %q", logEv.Message)
		}
	case <-time.After(time.Second):
		t.Fatal("no log event published")
	}
}

func TestNopDiscards(t *testing.T) {
	l := Nop()
	l.Infof("nothing %d", 1)
	l.Errorf("nothing")
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		"WARN":    zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"":        zerolog.InfoLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
