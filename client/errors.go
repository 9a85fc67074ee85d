package client

import (
	"fmt"
	"log/slog"
)

// OperationError is an unexpected backend or transport failure. Status is 0 for transport
// failures.
type OperationError struct {
	Op     string
	Status int
	Body   string
	Err    error
}

func (e *OperationError) Error() string {
	msg := e.Op + " failed"
	if e.Status != 0 {
		msg += fmt.Sprintf(": status %d", e.Status)
	}
	if e.Body != "" {
		msg += fmt.Sprintf(": %s", e.Body)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

// ConfigurationError means the remote backend was selected but its configuration is unusable.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "remote cache is not configured: " + e.Reason
}

// operationFailed logs the failure the way the backend reported it and returns it as an
// OperationError.
func operationFailed(logger *slog.Logger, op string, status int, body []byte, err error) *OperationError {
	opErr := &OperationError{Op: op, Status: status, Body: truncateBody(body), Err: err}

	attrs := []any{slog.String("op", op)}
	if status != 0 {
		attrs = append(attrs, slog.Int("status", status))
	}
	if len(body) > 0 {
		attrs = append(attrs, slog.String("body", opErr.Body))
	}
	if err != nil {
		attrs = append(attrs, slog.String("err", err.Error()))
	}
	logger.Error("[turbogha] remote cache operation failed", attrs...)

	return opErr
}

const maxErrorBody = 4096

func truncateBody(body []byte) string {
	if len(body) > maxErrorBody {
		return string(body[:maxErrorBody]) + "..."
	}
	return string(body)
}
