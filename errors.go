package goShield

import "errors"

var (
	// ErrRateLimited is an exported constant or variable used by the security engine.
	ErrRateLimited = errors.New("rate limited")
	// ErrFingerprintBlocked is an exported constant or variable used by the security engine.
	ErrFingerprintBlocked = errors.New("fingerprint blocked")
	// ErrUnauthenticated is an exported constant or variable used by the security engine.
	ErrUnauthenticated = errors.New("authentication required")
	// ErrSessionInvalid is an exported constant or variable used by the security engine.
	ErrSessionInvalid = errors.New("session invalid or expired")
	// ErrCsrfRequired is an exported constant or variable used by the security engine.
	ErrCsrfRequired = errors.New("csrf token required")
	// ErrAccountLocked is an exported constant or variable used by the security engine.
	ErrAccountLocked = errors.New("account locked")
	// ErrUnlockTokenInvalid is an exported constant or variable used by the security engine.
	ErrUnlockTokenInvalid = errors.New("invalid unlock token")
	// ErrUserNotFound is an exported constant or variable used by the security engine.
	ErrUserNotFound = errors.New("user not found")
	// ErrAdminRequired is an exported constant or variable used by the security engine.
	ErrAdminRequired = errors.New("admin privilege required")
	// ErrBackendUnavailable is an exported constant or variable used by the security engine.
	ErrBackendUnavailable = errors.New("security backend unavailable")
	// ErrEngineNotReady is an exported constant or variable used by the security engine.
	ErrEngineNotReady = errors.New("engine not initialized")
	// ErrEngineClosed is an exported constant or variable used by the security engine.
	ErrEngineClosed = errors.New("engine closed")
)
