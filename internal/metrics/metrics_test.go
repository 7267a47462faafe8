package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"apex-build/internal/wes"
)

func TestGetReturnsProcessWideSingleton(t *testing.T) {
	assert.Same(t, Get(), Get())
}

func TestRecordHTTPRequestDoesNotPanic(t *testing.T) {
	m := Get()
	assert.NotPanics(t, func() {
		m.RecordHTTPRequest("/runs", "POST", 200, 15*time.Millisecond)
	})
}

func TestSetRunsByStateCoversEveryNonUnknownState(t *testing.T) {
	m := Get()
	assert.NotPanics(t, func() {
		m.SetRunsByState(map[wes.State]int{
			wes.StateRunning:  2,
			wes.StateComplete: 5,
		})
	})
}

func TestRecordCancellationAcceptsAnyOutcomeLabel(t *testing.T) {
	m := Get()
	assert.NotPanics(t, func() {
		m.RecordCancellation("signaled")
		m.RecordCancellation("already_terminal")
		m.RecordCancellation("pid_gone")
	})
}

func TestStatusCodeToLabelBuckets(t *testing.T) {
	assert.Equal(t, "2xx", statusCodeToLabel(204))
	assert.Equal(t, "3xx", statusCodeToLabel(301))
	assert.Equal(t, "4xx", statusCodeToLabel(404))
	assert.Equal(t, "5xx", statusCodeToLabel(503))
	assert.Equal(t, "unknown", statusCodeToLabel(0))
}
