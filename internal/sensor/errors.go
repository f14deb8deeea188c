package sensor

import "codeberg.org/mutker/greenhousectl/internal/errors"

const (
	// Bus errors
	ErrPortOpen    = errors.ErrorCode("sensor_port_open_failed")
	ErrPortConfig  = errors.ErrorCode("sensor_port_config_failed")
	ErrWriteFailed = errors.ErrorCode("sensor_write_failed")
	ErrReadFailed  = errors.ErrorCode("sensor_read_failed")
	ErrReadTimeout = errors.ErrorCode("sensor_read_timeout")
	ErrCRCMismatch = errors.ErrorCode("sensor_crc_mismatch")
	ErrBadFrame    = errors.ErrorCode("sensor_bad_frame")
	ErrDeviceFault = errors.ErrorCode("sensor_device_fault")

	// Probe errors
	ErrProbeNotReady  = errors.ErrorCode("sensor_probe_not_ready")
	ErrProbeExhausted = errors.ErrorCode("sensor_probe_exhausted")
)
