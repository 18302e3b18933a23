// Package service provides business logic for case conversations.
package service

import (
	"errors"
)

var (
	// ErrNotParticipant is returned when the caller is not a member of the
	// conversation.
	ErrNotParticipant = errors.New("you are not a participant in this conversation")
	// ErrInvalidInput is returned when a request fails validation.
	ErrInvalidInput = errors.New("invalid input")
	// ErrJournalDisabled is returned when journal replay is requested
	// without NATS configured.
	ErrJournalDisabled = errors.New("event journal is not configured")
)
