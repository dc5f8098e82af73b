package resilience

import (
	"time"

	"github.com/richxcame/visitguard/pkg/config"
)

// StorageSettings builds breaker settings for the shared key-value backend.
// Errors accepted by ignore are not counted as failures.
func StorageSettings(name string, cfg config.StorageConfig, ignore func(err error) bool) Settings {
	failures := cfg.BreakerFailureThreshold
	if failures <= 0 {
		failures = 5
	}

	return Settings{
		Name:             name,
		Interval:         time.Minute,
		Timeout:          cfg.BreakerTimeout(),
		FailureThreshold: uint32(failures),
		SuccessThreshold: 1,
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			return ignore != nil && ignore(err)
		},
	}
}
