package config

import (
	"os"
)

const (
	appNameVar           = "APP_NAME"
	folderEnvVar         = "FOLDER"
	gatewayURLVar        = "GATEWAY_URL"
	gatewayAnonKeyVar    = "GATEWAY_ANON_KEY"
	gatewayServiceKeyVar = "GATEWAY_SERVICE_KEY"
	profileTableVar      = "PROFILE_TABLE"
	issuerVar            = "TOKEN_ISSUER"
)

type EnvConfig interface {
	GetAppName() string
	GetDataFolder() string
	GetGatewayURL() string
	GetGatewayAnonKey() string
	GetGatewayServiceKey() string
	GetProfileTable() string
	GetIssuer() string
	GetEnv() string
}

type EnvVars struct{}

var _ EnvConfig = EnvVars{}

func (EnvVars) GetAppName() string {
	return GetEnv(appNameVar, "Session Reconciler")
}

func (EnvVars) GetDataFolder() string {
	return GetEnv(folderEnvVar, "./data")
}

// GetGatewayURL returns the remote auth service's base URL. Empty means no
// remote gateway is configured and the in-memory one is used.
func (EnvVars) GetGatewayURL() string {
	return GetEnv(gatewayURLVar, "")
}

// GetGatewayAnonKey returns the public API key (the standard access path).
func (EnvVars) GetGatewayAnonKey() string {
	return GetEnv(gatewayAnonKeyVar, "")
}

// GetGatewayServiceKey returns the elevated-privilege API key used as the
// secondary profile-store path.
func (EnvVars) GetGatewayServiceKey() string {
	return GetEnv(gatewayServiceKeyVar, "")
}

func (EnvVars) GetProfileTable() string {
	return GetEnv(profileTableVar, "profiles")
}

// GetIssuer returns the OIDC issuer used to verify access tokens locally.
// Empty disables local verification.
func (EnvVars) GetIssuer() string {
	return GetEnv(issuerVar, "")
}

func (EnvVars) GetEnv() string {
	env := os.Getenv("ENV")
	if env == "" {
		return "DEV"
	}
	return env
}

func GetEnv(envVar, defaultValue string) string {
	value := os.Getenv(envVar)
	if value == "" {
		return defaultValue
	}
	return value
}
