package errors

import "strings"

// ValidationIssue is one problem found while validating tool arguments
type ValidationIssue struct {
	Path     string `json:"path"`
	Message  string `json:"message"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
}

// ValidationErrorData contains structured data for validation errors
type ValidationErrorData struct {
	Target string            `json:"target,omitempty"`
	Issues []ValidationIssue `json:"issues,omitempty"`
}

// ParameterErrorData contains structured data for parameter errors
type ParameterErrorData struct {
	Parameter string      `json:"parameter"`
	Value     interface{} `json:"value,omitempty"`
	Expected  string      `json:"expected,omitempty"`
}

// ValidationError creates a generic validation error
func ValidationError(message string) MCPError {
	return coded(nil, CodeValidationError, "%s", message)
}

// ValidationErrorf creates a validation error with a formatted message
func ValidationErrorf(format string, args ...interface{}) MCPError {
	return coded(nil, CodeValidationError, format, args...)
}

// ValidationFailed reports every issue found validating target
func ValidationFailed(target string, issues []ValidationIssue) MCPError {
	parts := make([]string, len(issues))
	for i, issue := range issues {
		parts[i] = issue.Message
		if issue.Path != "" {
			parts[i] = issue.Path + ": " + issue.Message
		}
	}
	return coded(nil, CodeValidationError, "Validation failed for %s", target).
		WithDetail(strings.Join(parts, "; ")).
		WithData(&ValidationErrorData{Target: target, Issues: issues})
}

// MissingParameter reports a required parameter that was not given
func MissingParameter(param string) MCPError {
	return coded(nil, CodeMissingParameter, "Required parameter missing: %s", param).
		WithData(&ParameterErrorData{Parameter: param})
}

// InvalidParameter reports a parameter whose value is not what expected describes
func InvalidParameter(param string, value interface{}, expected string) MCPError {
	return coded(nil, CodeInvalidParameter, "Invalid value for parameter %s, expected %s", param, expected).
		WithData(&ParameterErrorData{Parameter: param, Value: value, Expected: expected})
}

// InvalidParams is the JSON-RPC invalid params error for method
func InvalidParams(method, detail string) MCPError {
	msg := "Invalid method parameters"
	if detail != "" {
		msg += ": " + detail
	}
	return coded(nil, CodeInvalidParams, "%s", msg).WithContext(&Context{Method: method})
}

// InvalidCursor rejects a pagination cursor the server cannot decode. It
// carries the invalid params code so peers see a standard error.
func InvalidCursor(cursor, why string) MCPError {
	return coded(nil, CodeInvalidParams, "Invalid cursor %q: %s", cursor, why).
		WithData(map[string]interface{}{"cursor": cursor, "reason": why})
}
