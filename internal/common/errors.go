package common

import (
	"errors"
	"fmt"
)

var (

	// auth errors
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrTokenExpired       = errors.New("token expired")
	ErrTokenInvalid       = errors.New("invalid token")
	ErrServiceUnavailable = errors.New("service unavailable")

	// automation errors
	ErrNotConnected = errors.New("whatsapp is not connected")
	ErrQRTimeout    = errors.New("qr code timed out")

	// delivery errors
	ErrDeliveryFailed   = errors.New("delivery failed")
	ErrUnsupportedMedia = errors.New("unsupported media type")

	// lookup errors
	ErrChatNotFound  = errors.New("chat not found")
	ErrMediaNotFound = errors.New("media not found")
)

// DeliveryError carries the automation library failure behind a failed send.
type DeliveryError struct {
	Op  string
	Err error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

func (e *DeliveryError) Is(target error) bool {
	return target == ErrDeliveryFailed
}
