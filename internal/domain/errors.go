package domain

import (
	"fmt"
	"time"
)

// ConfigurationError reports a measure-authoring defect: an unresolvable
// timing anchor, a missing index event, a partial offset, or a window whose
// end precedes its start. It is never raised for missing patient data.
type ConfigurationError struct {
	Anchor  TimingAnchor `json:"anchor,omitempty"`
	Detail  string       `json:"detail"`
	NodeID  string       `json:"node_id,omitempty"`
	Measure string       `json:"measure_id,omitempty"`
}

// Error implements the error interface.
func (e *ConfigurationError) Error() string {
	if e.Anchor != "" {
		return fmt.Sprintf("timing configuration error at anchor %q: %s", string(e.Anchor), e.Detail)
	}
	return fmt.Sprintf("timing configuration error: %s", e.Detail)
}

// NewConfigurationError creates a ConfigurationError for the given anchor.
func NewConfigurationError(anchor TimingAnchor, detail string) *ConfigurationError {
	return &ConfigurationError{Anchor: anchor, Detail: detail}
}

// GenerationError is fatal for a single code-generation target: the emitted
// code would be always-false or erroring, so none is emitted for that target.
type GenerationError struct {
	Format      TargetFormat `json:"format"`
	ComponentID string       `json:"component_id"`
	Detail      string       `json:"detail"`
}

// Error implements the error interface.
func (e *GenerationError) Error() string {
	return fmt.Sprintf("code generation failed for %s (component %s): %s",
		string(e.Format), e.ComponentID, e.Detail)
}

// NewGenerationError creates a GenerationError for one component and target.
func NewGenerationError(format TargetFormat, componentID, detail string) *GenerationError {
	return &GenerationError{Format: format, ComponentID: componentID, Detail: detail}
}

// ValidationError reports a malformed field on an incoming measure or patient
// payload.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Value   any    `json:"value,omitempty"`
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a ValidationError.
func NewValidationError(field, message string, value any) *ValidationError {
	return &ValidationError{Field: field, Message: message, Value: value}
}

// APIError is the standardized error response shape for the HTTP surface.
type APIError struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Error codes for different failure scenarios.
const (
	ErrInvalidInput   = "INVALID_INPUT"
	ErrConfiguration  = "CONFIGURATION_ERROR"
	ErrGeneration     = "GENERATION_ERROR"
	ErrDatabaseError  = "DATABASE_ERROR"
	ErrRateLimit      = "RATE_LIMIT_EXCEEDED"
	ErrInternalServer = "INTERNAL_SERVER_ERROR"
	ErrUnavailable    = "SERVICE_UNAVAILABLE"
)

// NewAPIError creates an APIError with timestamp.
func NewAPIError(code, message, details, requestID string) *APIError {
	return &APIError{
		Code:      code,
		Message:   message,
		Details:   details,
		Timestamp: time.Now().UTC(),
		RequestID: requestID,
	}
}
