package fulfillment

import "errors"

var (
	ErrValidation      = errors.New("invalid fulfillment request")
	ErrProductNotFound = errors.New("product not mapped")
)
