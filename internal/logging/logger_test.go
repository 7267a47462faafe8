package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestLLazilyInitializesWithoutExplicitInit(t *testing.T) {
	assert.NotNil(t, L())
}

func TestSReturnsSugaredLogger(t *testing.T) {
	assert.NotNil(t, S())
}

func TestWithContextAttachesFields(t *testing.T) {
	l := WithContext(zap.String("run_id", "abc123"))
	assert.NotNil(t, l)
}

func TestSyncDoesNotPanicBeforeOrAfterInit(t *testing.T) {
	assert.NotPanics(t, Sync)
	L()
	assert.NotPanics(t, Sync)
}
