package config

import (
	"strconv"
	"time"
)

const (
	profileFetchTimeoutMsVar = "PROFILE_FETCH_TIMEOUT_MS"
	safetyTimeoutMsVar       = "SAFETY_TIMEOUT_MS"
	fallbackProfileVar       = "ENABLE_FALLBACK_PROFILE"
)

type ReconcilerConfig interface {
	GetProfileFetchTimeout() time.Duration
	GetSafetyTimeout() time.Duration
	GetFallbackProfileEnabled() bool
}

type Reconciler struct{}

var _ ReconcilerConfig = Reconciler{}

func (Reconciler) GetProfileFetchTimeout() time.Duration {
	return getDurationMs(profileFetchTimeoutMsVar, 5000)
}

func (Reconciler) GetSafetyTimeout() time.Duration {
	return getDurationMs(safetyTimeoutMsVar, 10000)
}

func (Reconciler) GetFallbackProfileEnabled() bool {
	return GetEnv(fallbackProfileVar, "true") != "false"
}

func getDurationMs(envVar string, defaultMs int64) time.Duration {
	ms, err := strconv.ParseInt(GetEnv(envVar, ""), 10, 64)
	if err != nil || ms <= 0 {
		ms = defaultMs
	}
	return time.Duration(ms) * time.Millisecond
}
