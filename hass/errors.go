package hass

import "errors"

var (
	ErrNotConnected   = errors.New("hass: client not connected")
	ErrAuthInvalid    = errors.New("hass: authentication rejected")
	ErrResultTimeout  = errors.New("hass: timeout waiting for result")
	ErrCommandFailed  = errors.New("hass: command failed")
	ErrUnexpectedType = errors.New("hass: unexpected message type")
	ErrUnknownEntity  = errors.New("hass: unknown entity")
)
