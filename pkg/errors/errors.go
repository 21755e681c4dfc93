package errors

import (
	"errors"
	"fmt"
)

// Common application errors
var (
	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing configuration")
	ErrConfigurationLoad    = errors.New("failed to load configuration")

	// Discretization errors
	ErrDegenerateGrid = errors.New("degenerate grid: level-1 resolution must exceed 1")
	ErrEmptyDataset   = errors.New("empty trajectory dataset")

	// Model and generation conditions. These two are non-fatal: the pipeline absorbs
	// them and reports them through logs and metrics.
	ErrEmptyModelRow            = errors.New("state has no surviving transitions")
	ErrGenerationLengthExceeded = errors.New("generated trajectory reached the maximum length")

	// Privacy errors
	ErrInvalidEpsilon  = errors.New("epsilon must be positive")
	ErrNoiseGeneration = errors.New("noise generation failed")

	// Storage errors
	ErrStorageNotFound         = errors.New("storage backend not found")
	ErrStorageConnectionFailed = errors.New("storage connection failed")
	ErrStorageWriteFailed      = errors.New("storage write failed")
	ErrStorageReadFailed       = errors.New("storage read failed")
	ErrInvalidFormat           = errors.New("invalid output format")

	// Job errors
	ErrJobFailed    = errors.New("job failed")
	ErrJobCancelled = errors.New("job cancelled")

	// Internal errors
	ErrInternal = errors.New("internal error")
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	ErrorTypeValidation     ErrorType = "validation"
	ErrorTypeConfiguration  ErrorType = "configuration"
	ErrorTypeDiscretization ErrorType = "discretization"
	ErrorTypeModel          ErrorType = "model"
	ErrorTypeGeneration     ErrorType = "generation"
	ErrorTypePrivacy        ErrorType = "privacy"
	ErrorTypeStorage        ErrorType = "storage"
	ErrorTypeJob            ErrorType = "job"
	ErrorTypeInternal       ErrorType = "internal"
)

// AppError represents an application-specific error with additional context
type AppError struct {
	Type      ErrorType              `json:"type"`
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Cause     error                  `json:"-"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Retryable bool                   `json:"retryable"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s - %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Type == t.Type && e.Code == t.Code
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// NewAppError creates a new application error
func NewAppError(errType ErrorType, code, message string) *AppError {
	return &AppError{
		Type:    errType,
		Code:    code,
		Message: message,
	}
}

// WrapError wraps an existing error with application context
func WrapError(err error, errType ErrorType, code, message string) *AppError {
	return &AppError{
		Type:      errType,
		Code:      code,
		Message:   message,
		Cause:     err,
		Retryable: isRetryable(err),
	}
}

// NewValidationError creates a validation error
func NewValidationError(code, message string) *AppError {
	return NewAppError(ErrorTypeValidation, code, message)
}

// NewConfigurationError creates a configuration error. Configuration errors are fatal
// for a run and are never retried.
func NewConfigurationError(code, message string) *AppError {
	return &AppError{
		Type:    ErrorTypeConfiguration,
		Code:    code,
		Message: message,
		Cause:   ErrInvalidConfiguration,
	}
}

// NewDegenerateGridError reports a level-1 resolution that does not exceed 1.
func NewDegenerateGridError(resolution float64, mass float64) *AppError {
	return &AppError{
		Type:    ErrorTypeDiscretization,
		Code:    CodeDegenerateGrid,
		Message: fmt.Sprintf("level-1 resolution %.0f computed from mass %.2f is not greater than 1", resolution, mass),
		Cause:   ErrDegenerateGrid,
		Context: map[string]interface{}{
			"resolution": resolution,
			"mass":       mass,
		},
	}
}

// NewGenerationError creates a generation error
func NewGenerationError(code, message string) *AppError {
	return NewAppError(ErrorTypeGeneration, code, message)
}

// NewStorageError creates a storage error
func NewStorageError(code, message string) *AppError {
	return NewAppError(ErrorTypeStorage, code, message)
}

// NewInternalError creates an internal error
func NewInternalError(message string) *AppError {
	return &AppError{
		Type:    ErrorTypeInternal,
		Code:    CodeInternalError,
		Message: message,
		Cause:   ErrInternal,
	}
}

// IsConfigurationError reports whether err is a configuration error.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration)
}

// IsDegenerateGrid reports whether err is a degenerate grid error.
func IsDegenerateGrid(err error) bool {
	return errors.Is(err, ErrDegenerateGrid)
}

// IsStorageUnavailable reports whether err stems from a backend that is not connected.
func IsStorageUnavailable(err error) bool {
	return errors.Is(err, ErrStorageConnectionFailed)
}

// isRetryable determines if an error is retryable
func isRetryable(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, ErrStorageConnectionFailed):
		return true
	case errors.Is(err, ErrStorageWriteFailed):
		return true
	default:
		return false
	}
}

// ValidationErrorDetail represents detailed validation error information
type ValidationErrorDetail struct {
	Field   string      `json:"field"`
	Value   interface{} `json:"value,omitempty"`
	Message string      `json:"message"`
	Code    string      `json:"code"`
}

// ValidationErrors represents multiple validation errors
type ValidationErrors struct {
	Message string                  `json:"message"`
	Errors  []ValidationErrorDetail `json:"errors"`
}

// Error implements the error interface for ValidationErrors
func (ve *ValidationErrors) Error() string {
	if len(ve.Errors) == 0 {
		return ve.Message
	}
	msg := ve.Message
	for _, e := range ve.Errors {
		msg += fmt.Sprintf("; %s: %s", e.Field, e.Message)
	}
	return msg
}

// Unwrap lets errors.Is match ErrInvalidConfiguration on aggregated parameter errors.
func (ve *ValidationErrors) Unwrap() error {
	return ErrInvalidConfiguration
}

// Add adds a validation error
func (ve *ValidationErrors) Add(field, code, message string, value interface{}) {
	ve.Errors = append(ve.Errors, ValidationErrorDetail{
		Field:   field,
		Value:   value,
		Message: message,
		Code:    code,
	})
}

// HasErrors checks if there are any validation errors
func (ve *ValidationErrors) HasErrors() bool {
	return len(ve.Errors) > 0
}

// NewValidationErrors creates a new ValidationErrors instance
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{
		Message: "Validation failed",
		Errors:  make([]ValidationErrorDetail, 0),
	}
}

// Error codes for different error scenarios
const (
	// Validation error codes
	CodeInvalidInput  = "INVALID_INPUT"
	CodeMissingField  = "MISSING_FIELD"
	CodeInvalidFormat = "INVALID_FORMAT"
	CodeOutOfRange    = "OUT_OF_RANGE"

	// Configuration error codes
	CodeInvalidConfiguration = "INVALID_CONFIGURATION"
	CodeInvalidPartition     = "INVALID_EPSILON_PARTITION"
	CodeMissingCalibration   = "MISSING_CALIBRATION_CONSTANT"
	CodeInvalidSizingMode    = "INVALID_SIZING_MODE"

	// Discretization error codes
	CodeDegenerateGrid = "DEGENERATE_GRID"
	CodeEmptyDataset   = "EMPTY_DATASET"
	CodeGridMismatch   = "GRID_MISMATCH"

	// Model error codes
	CodeInvalidModel = "INVALID_MODEL"
	CodeEmptyRow     = "EMPTY_MODEL_ROW"

	// Generation error codes
	CodeGenerationFailed    = "GENERATION_FAILED"
	CodeLengthExceeded      = "GENERATION_LENGTH_EXCEEDED"
	CodeGenerationCancelled = "GENERATION_CANCELLED"

	// Privacy error codes
	CodeNoiseFailed = "NOISE_FAILED"

	// Storage error codes
	CodeStorageError     = "STORAGE_ERROR"
	CodeConnectionFailed = "CONNECTION_FAILED"
	CodeWriteFailed      = "WRITE_FAILED"
	CodeReadFailed       = "READ_FAILED"
	CodeUnsupportedType  = "UNSUPPORTED_TYPE"

	// Job error codes
	CodeJobFailed    = "JOB_FAILED"
	CodeJobCancelled = "JOB_CANCELLED"

	// Internal error codes
	CodeInternalError = "INTERNAL_ERROR"
)
