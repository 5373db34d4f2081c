package services

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("message not found")
	ErrInvalidPayload  = errors.New("invalid payload")
	ErrInvalidStatus   = errors.New("invalid status")
	ErrStoreFailure    = errors.New("store failure")
	ErrDeliveryFailure = errors.New("delivery failure")
)

func storeFailure(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStoreFailure, op, err)
}

func invalidPayload(reason string) error {
	return fmt.Errorf("%w: %s", ErrInvalidPayload, reason)
}
