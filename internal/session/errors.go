package session

import "errors"

var (
	ErrNoAccounts             = errors.New("no accounts authorized")
	ErrNetworkAssuranceFailed = errors.New("network assurance failed")
	ErrNotConnected           = errors.New("wallet not connected")
	ErrAlreadyConnected       = errors.New("a wallet session is already active")
	ErrSessionInvalidated     = errors.New("session invalidated by provider")
	errProviderRequired       = errors.New("provider is required")
)
