package safety

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridtrader/internal/config"
	"gridtrader/internal/logger"
)

func breakerCfg(place, cancel, reconnect int) config.CircuitBreakerConfig {
	return config.CircuitBreakerConfig{
		Enabled:              true,
		MaxPlaceFailures:     place,
		MaxCancelFailures:    cancel,
		MaxReconnectFailures: reconnect,
		ReconnectCooldownSec: 30,
		ReconnectProbePasses: 1,
	}
}

func TestBreakerReconnectHalfOpenRecovery(t *testing.T) {
	b := NewBreaker(breakerCfg(5, 5, 2), logger.Nop())
	b.SetReconnectRecovery(120*time.Millisecond, 1)

	require.NoError(t, b.RecordReconnect(errors.New("dial failed 1")))
	tripErr := b.RecordReconnect(errors.New("dial failed 2"))
	require.ErrorIs(t, tripErr, ErrCircuitOpen)

	assert.ErrorIs(t, b.AllowReconnect(), ErrCircuitOpen)
	assert.Greater(t, b.ReconnectCooldownRemaining(), time.Duration(0))

	time.Sleep(150 * time.Millisecond)
	require.NoError(t, b.AllowReconnect())
	require.NoError(t, b.RecordReconnect(nil))
	assert.Equal(t, time.Duration(0), b.ReconnectCooldownRemaining())
}

func TestBreakerReconnectHalfOpenFailureReopens(t *testing.T) {
	b := NewBreaker(breakerCfg(5, 5, 1), logger.Nop())
	b.SetReconnectRecovery(120*time.Millisecond, 1)

	tripErr := b.RecordReconnect(errors.New("dial failed"))
	require.ErrorIs(t, tripErr, ErrCircuitOpen)

	time.Sleep(150 * time.Millisecond)
	require.NoError(t, b.AllowReconnect())
	tripErr = b.RecordReconnect(errors.New("probe failed"))
	require.ErrorIs(t, tripErr, ErrCircuitOpen)

	assert.ErrorIs(t, b.AllowReconnect(), ErrCircuitOpen)
}

func TestBreakerPlaceCircuitLatchesOpen(t *testing.T) {
	b := NewBreaker(breakerCfg(2, 5, 5), logger.Nop())

	require.NoError(t, b.RecordPlace(errors.New("rejected 1")))
	tripErr := b.RecordPlace(errors.New("rejected 2"))
	require.ErrorIs(t, tripErr, ErrCircuitOpen)

	// Place circuits have no half-open probe; once open they stay open.
	require.NoError(t, b.RecordPlace(nil))
	assert.ErrorIs(t, b.RecordPlace(errors.New("rejected 3")), ErrCircuitOpen)
}

func TestBreakerDisabledNeverTrips(t *testing.T) {
	cfg := breakerCfg(1, 1, 1)
	cfg.Enabled = false
	b := NewBreaker(cfg, logger.Nop())

	for i := 0; i < 10; i++ {
		assert.NoError(t, b.RecordPlace(errors.New("boom")))
		assert.NoError(t, b.RecordReconnect(errors.New("boom")))
	}
	assert.NoError(t, b.AllowReconnect())
}
