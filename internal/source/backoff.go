package source

import (
	"math"
	"math/rand"
	"time"

	"github.com/life-stream-dev/life-stream-go-push-server/internal/config"
)

type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
	// Attempts is the total number of tries, the first one included.
	Attempts int
	// CallTimeout bounds each single storage call. Zero means no bound.
	CallTimeout time.Duration
}

func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 100 * time.Millisecond,
		Multiplier:   2,
		MaxDelay:     5 * time.Second,
		Jitter:       true,
		Attempts:     5,
	}
}

// BackoffFromConfig converts the retry section of the config file. Unset
// fields keep the DefaultBackoff values.
func BackoffFromConfig(retry config.RetryConfig, callTimeout time.Duration) BackoffConfig {
	cfg := DefaultBackoff()
	if d := config.Duration(retry.InitialDelay); d > 0 {
		cfg.InitialDelay = d
	}
	if retry.Multiplier > 0 {
		cfg.Multiplier = retry.Multiplier
	}
	if d := config.Duration(retry.MaxDelay); d > 0 {
		cfg.MaxDelay = d
	}
	if retry.Attempts > 0 {
		cfg.Attempts = retry.Attempts
	}
	cfg.Jitter = retry.Jitter
	cfg.CallTimeout = callTimeout
	return cfg
}

// Delay returns the wait before retry number attempt (1-based). With jitter
// the delay is scaled by a factor in [0.5, 1.5).
func Delay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay = delay * f
	}
	return time.Duration(delay)
}
