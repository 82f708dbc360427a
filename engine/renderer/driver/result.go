package driver

import "fmt"

// Result mirrors the graphics API result codes a backend can report.
type Result int32

const (
	Success Result = iota
	NotReady
	Timeout
	Suboptimal
	ErrorOutOfDate
	ErrorOutOfHostMemory
	ErrorOutOfDeviceMemory
	ErrorInitializationFailed
	ErrorDeviceLost
	ErrorMemoryMapFailed
	ErrorExtensionNotPresent
	ErrorFeatureNotPresent
	ErrorFormatNotSupported
	ErrorSurfaceLost
	ErrorValidationFailed
	ErrorUnknown
)

func (r Result) String() string {
	switch r {
	case Success:
		return "VK_SUCCESS"
	case NotReady:
		return "VK_NOT_READY"
	case Timeout:
		return "VK_TIMEOUT"
	case Suboptimal:
		return "VK_SUBOPTIMAL_KHR"
	case ErrorOutOfDate:
		return "VK_ERROR_OUT_OF_DATE_KHR"
	case ErrorOutOfHostMemory:
		return "VK_ERROR_OUT_OF_HOST_MEMORY"
	case ErrorOutOfDeviceMemory:
		return "VK_ERROR_OUT_OF_DEVICE_MEMORY"
	case ErrorInitializationFailed:
		return "VK_ERROR_INITIALIZATION_FAILED"
	case ErrorDeviceLost:
		return "VK_ERROR_DEVICE_LOST"
	case ErrorMemoryMapFailed:
		return "VK_ERROR_MEMORY_MAP_FAILED"
	case ErrorExtensionNotPresent:
		return "VK_ERROR_EXTENSION_NOT_PRESENT"
	case ErrorFeatureNotPresent:
		return "VK_ERROR_FEATURE_NOT_PRESENT"
	case ErrorFormatNotSupported:
		return "VK_ERROR_FORMAT_NOT_SUPPORTED"
	case ErrorSurfaceLost:
		return "VK_ERROR_SURFACE_LOST_KHR"
	case ErrorValidationFailed:
		return "VK_ERROR_VALIDATION_FAILED_EXT"
	default:
		return "VK_ERROR_UNKNOWN"
	}
}

// IsSuccess reports whether r is one of the non-error codes.
func (r Result) IsSuccess() bool {
	switch r {
	case Success, NotReady, Timeout, Suboptimal:
		return true
	}
	return false
}

// ResultError is returned by backends when a call does not succeed.
type ResultError struct {
	Op     string
	Result Result
}

func (e *ResultError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Op, e.Result)
}

// NewError returns nil when r is Success.
func NewError(op string, r Result) error {
	if r == Success {
		return nil
	}
	return &ResultError{Op: op, Result: r}
}
