package ipmi

import "codeberg.org/mutker/ipmifanctl/internal/errors"

const (
	ErrCommandFailed     = errors.ErrorCode("ipmi_command_failed")
	ErrRetriesExhausted  = errors.ErrorCode("ipmi_retries_exhausted")
	ErrSensorReadFailed  = errors.ErrorCode("ipmi_sensor_read_failed")
	ErrSensorParseFailed = errors.ErrorCode("ipmi_sensor_parse_failed")
	ErrFanReadFailed     = errors.ErrorCode("ipmi_fan_read_failed")
	ErrFanParseFailed    = errors.ErrorCode("ipmi_fan_parse_failed")
)
