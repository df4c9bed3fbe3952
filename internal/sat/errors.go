package sat

import "fmt"

// AuthenticationError covers invalid or expired e.firma credentials and any
// transport failure during the authentication handshake.
type AuthenticationError struct {
	Reason string
	Err    error
}

func (e *AuthenticationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication failed: %s: %v", e.Reason, e.Err)
	}
	return "authentication failed: " + e.Reason
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// RequestRejectedError is returned when the SAT refuses a bulk request or
// reports it as rejected/expired while verifying. It is not retried.
type RequestRejectedError struct {
	RequestID string
	Code      string
	Message   string
	Err       error
}

func (e *RequestRejectedError) Error() string {
	msg := "request rejected"
	if e.RequestID != "" {
		msg += " (" + e.RequestID + ")"
	}
	if e.Code != "" {
		msg += ": " + e.Code
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RequestRejectedError) Unwrap() error { return e.Err }

type DownloadError struct {
	PackageID string
	Err       error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download package %s: %v", e.PackageID, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }
