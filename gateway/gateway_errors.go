package gateway

import "errors"

var (
	InvalidCredentialsErr = errors.New("invalid email or password")
	RefreshFailedErr      = errors.New("session refresh failed")
	UserExistsErr         = errors.New("user already registered")
	UserNotFoundErr       = errors.New("user not found")
	GatewayUnavailableErr = errors.New("auth gateway unavailable")
)
