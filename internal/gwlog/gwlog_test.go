package gwlog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultsToInfo(t *testing.T) {
	logger, err := New(Options{})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(-1)) // debug disabled by default
	assert.True(t, logger.Core().Enabled(0))   // info enabled
}

func TestNewRejectsBadLevel(t *testing.T) {
	_, err := New(Options{Level: "not-a-level"})
	assert.Error(t, err)
}

func TestNewDevelopmentWithDebugLevel(t *testing.T) {
	logger, err := New(Options{Development: true, Level: "debug"})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(-1))
}

func TestNop(t *testing.T) {
	assert.NotPanics(t, func() {
		Nop().Info("discarded")
	})
}
