package errors

// Common error codes
const (
	// System errors
	ErrInternal ErrorCode = "internal_error"

	// Configuration errors
	ErrInvalidConfig   ErrorCode = "invalid_configuration"
	ErrBindFlags       ErrorCode = "bind_flags_failed"
	ErrReadConfig      ErrorCode = "read_config_failed"
	ErrInvalidInterval ErrorCode = "invalid_interval"

	// Logging errors
	ErrInvalidLogLevel ErrorCode = "invalid_log_level"
	ErrOpenLogFile     ErrorCode = "open_log_file_failed"

	// Initialization errors
	ErrShutdownFailed ErrorCode = "shutdown_failed"
	ErrAlreadyRunning ErrorCode = "already_running"

	// Application errors
	ErrInitApp          ErrorCode = "init_app_failed"
	ErrMainLoop         ErrorCode = "main_loop_failed"
	ErrEnableManualFan  ErrorCode = "enable_manual_fan_failed"
	ErrEnableAutoFan    ErrorCode = "enable_auto_fan_failed"
	ErrInitialFanSpeed  ErrorCode = "initial_fan_speed_failed"
	ErrUsageUnavailable ErrorCode = "usage_unavailable"

	// Operation errors
	ErrTimeout ErrorCode = "operation_timeout"

	// Metrics errors
	ErrInitMetrics    ErrorCode = "init_metrics_failed"
	ErrCollectMetrics ErrorCode = "collect_metrics_failed"
	ErrCloseMetrics   ErrorCode = "close_metrics_failed"
)

// Common error messages
var errorMessages = map[ErrorCode]string{
	ErrInternal:         "Internal error occurred",
	ErrInvalidConfig:    "Invalid configuration",
	ErrBindFlags:        "Failed to bind flags",
	ErrReadConfig:       "Failed to read config file",
	ErrInvalidInterval:  "Invalid interval value",
	ErrInvalidLogLevel:  "Invalid log level",
	ErrOpenLogFile:      "Failed to open log file",
	ErrShutdownFailed:   "Shutdown failed",
	ErrAlreadyRunning:   "Another instance is already running",
	ErrInitApp:          "Failed to initialize application",
	ErrMainLoop:         "Error in main loop",
	ErrEnableManualFan:  "Failed to enable manual fan control",
	ErrEnableAutoFan:    "Failed to enable auto fan control",
	ErrInitialFanSpeed:  "Failed to initialize fan speed",
	ErrUsageUnavailable: "CPU usage measurement unavailable",
	ErrTimeout:          "Operation timed out",
	ErrInitMetrics:      "Failed to initialize metrics",
	ErrCollectMetrics:   "Failed to collect metrics data",
	ErrCloseMetrics:     "Failed to close metrics connection",
}

// GetErrorMessage returns the message for a given error code
func GetErrorMessage(code ErrorCode) string {
	if msg, ok := errorMessages[code]; ok {
		return msg
	}

	return string(code)
}
