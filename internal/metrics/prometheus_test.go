package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/skypro1111/micapture/internal/capture"
)

var _ capture.Observer = (*Metrics)(nil)

// counterValue sums every series of the named counter family
func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	var total float64
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			total += metric.GetCounter().GetValue()
		}
	}
	return total
}

func gaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	for _, family := range families {
		if family.GetName() == name && len(family.GetMetric()) > 0 {
			return family.GetMetric()[0].GetGauge().GetValue()
		}
	}
	return 0
}

func TestObserverHooks(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordingStarted()
	m.BytesCaptured(1024)
	m.BytesCaptured(500)

	if got := gaugeValue(t, reg, "micapture_active_recordings"); got != 1 {
		t.Errorf("Expected 1 active recording, got %v", got)
	}

	m.RecordingFinished(capture.Result{
		DataLength: 1524,
		Duration:   47625 * time.Microsecond,
		Elapsed:    50 * time.Millisecond,
	})
	m.DeviceUnavailable()

	if got := counterValue(t, reg, "micapture_recordings_started_total"); got != 1 {
		t.Errorf("Expected 1 started recording, got %v", got)
	}
	if got := counterValue(t, reg, "micapture_bytes_captured_total"); got != 1524 {
		t.Errorf("Expected 1524 bytes captured, got %v", got)
	}
	if got := counterValue(t, reg, "micapture_recordings_finished_total"); got != 1 {
		t.Errorf("Expected 1 finished recording, got %v", got)
	}
	if got := counterValue(t, reg, "micapture_device_unavailable_total"); got != 1 {
		t.Errorf("Expected 1 device unavailable, got %v", got)
	}
	if got := gaugeValue(t, reg, "micapture_active_recordings"); got != 0 {
		t.Errorf("Expected 0 active recordings, got %v", got)
	}
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		name   string
		result capture.Result
		want   string
	}{
		{"clean", capture.Result{DataLength: 10}, OutcomeOK},
		{"interrupted", capture.Result{Interrupted: capture.ErrDeviceStream}, OutcomeInterrupted},
		{"failed", capture.Result{Err: errors.New("disk full")}, OutcomeFailed},
		{"failed wins", capture.Result{Err: capture.ErrIO, Interrupted: capture.ErrDeviceStream}, OutcomeFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Outcome(tt.result); got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestHTTPMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordHTTPRequest("POST", "/recording/start", "202", 0.01)
	m.RecordHTTPRequest("POST", "/recording/start", "409", 0.01)
	m.RecordHTTPError("POST", "/recording/start", "client_error")

	if got := counterValue(t, reg, "micapture_http_requests_total"); got != 2 {
		t.Errorf("Expected 2 requests, got %v", got)
	}
	if got := counterValue(t, reg, "micapture_http_errors_total"); got != 1 {
		t.Errorf("Expected 1 error, got %v", got)
	}
}
