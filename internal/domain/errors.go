package domain

import "errors"

// Credential store outcomes.
var (
	ErrAlreadyRegistered = errors.New("already registered")
	ErrNotRegistered     = errors.New("not registered")
	ErrWrongSecret       = errors.New("wrong secret")
	ErrAlreadyLoggedIn   = errors.New("already logged in")
	ErrNotLoggedIn       = errors.New("not logged in")
	ErrInvalidSecret     = errors.New("invalid secret")
	ErrPersistence       = errors.New("persistence failure")
)

// Classification outcomes.
var (
	ErrClassificationTimeout     = errors.New("classification timed out")
	ErrClassificationUnavailable = errors.New("classification model unavailable")
	ErrInvalidImage              = errors.New("invalid image")
)
