package broker

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestParseTopic(t *testing.T) {
	cases := []struct {
		topic    string
		kind     MessageKind
		deviceID string
	}{
		{"sensor/abc123/status", KindTelemetry, "abc123"},
		{"sensor/abc123/register", KindRegistration, "abc123"},
		{"sensor/abc123/firmware", KindUnrecognized, "abc123"},
		{"sensor/abc123/register/response", KindUnrecognized, ""},
		{"sensor//status", KindUnrecognized, ""},
		{"other/abc123/status", KindUnrecognized, ""},
		{"sensor/abc123", KindUnrecognized, ""},
		{"", KindUnrecognized, ""},
	}

	for _, tc := range cases {
		msg := ParseTopic(tc.topic, []byte("x"))
		if msg.Kind != tc.kind {
			t.Errorf("ParseTopic(%q).Kind = %v, want %v", tc.topic, msg.Kind, tc.kind)
		}
		if tc.kind != KindUnrecognized && msg.DeviceID != tc.deviceID {
			t.Errorf("ParseTopic(%q).DeviceID = %q, want %q", tc.topic, msg.DeviceID, tc.deviceID)
		}
		if string(msg.Payload) != "x" {
			t.Errorf("ParseTopic(%q) lost the payload", tc.topic)
		}
	}
}

func TestRouterDispatch(t *testing.T) {
	var gotTelemetry, gotRegistration string
	r := NewRouter(
		func(_ context.Context, deviceID string, _ []byte) { gotTelemetry = deviceID },
		func(_ context.Context, deviceID string, _ []byte) { gotRegistration = deviceID },
		slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)),
	)

	r.Dispatch(context.Background(), "sensor/dev1/status", []byte("{}"))
	if gotTelemetry != "dev1" {
		t.Errorf("telemetry handler got %q, want dev1", gotTelemetry)
	}

	r.Dispatch(context.Background(), "sensor/dev2/register", []byte("{}"))
	if gotRegistration != "dev2" {
		t.Errorf("registration handler got %q, want dev2", gotRegistration)
	}
}

func TestRouterDispatch_DropsUnrecognized(t *testing.T) {
	var buf bytes.Buffer
	called := false
	handler := func(_ context.Context, _ string, _ []byte) { called = true }
	r := NewRouter(handler, handler,
		slog.New(slog.NewTextHandler(&buf, nil)))

	r.Dispatch(context.Background(), "sensor/dev1/bogus", []byte("{}"))

	if called {
		t.Error("unrecognized message reached a handler")
	}
	if !strings.Contains(buf.String(), "unrecognized") {
		t.Errorf("expected drop to be logged, got: %s", buf.String())
	}
}
