package controller

import "codeberg.org/mutker/greenhousectl/internal/errors"

const (
	ErrSetpointRange = errors.ErrorCode("controller_setpoint_out_of_range")
)
