package actuator

import "codeberg.org/mutker/greenhousectl/internal/errors"

const (
	ErrFanWrite   = errors.ErrorCode("actuator_fan_write_failed")
	ErrFanRead    = errors.ErrorCode("actuator_fan_read_failed")
	ErrValveInit  = errors.ErrorCode("actuator_valve_init_failed")
	ErrValveWrite = errors.ErrorCode("actuator_valve_write_failed")
)
