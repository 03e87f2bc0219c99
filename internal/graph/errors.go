package graph

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrNotConfigured is returned when no access token is configured.
var ErrNotConfigured = errors.New("messaging platform access token is not configured")

// Error codes and subcodes with a dedicated description.
const (
	codeTooManyCalls        = 4
	codeAPIPermission       = 3
	codePermissionDenied    = 10
	codeAccessToken         = 190
	codePermissionsMissing  = 200
	codeAppPermission       = 230
	subcodeOutsideWindow    = 2534022
	subcodeOutsideWindowAlt = 2018278
)

// Human-readable categories used in the attempt log.
const (
	DetailTokenExpired  = "access token expired or invalid"
	DetailOutsideWindow = "recipient is outside the messaging window"
	DetailPermission    = "permission denied for this action"
	DetailRateLimited   = "rate limited by messaging platform"
	DetailTimeout       = "request to messaging platform timed out"
	DetailNotConfigured = "messaging client is not configured"
)

// APIError is a non-2xx response from the platform.
type APIError struct {
	Status    int    `json:"-"`
	Message   string `json:"message"`
	Type      string `json:"type"`
	Code      int    `json:"code"`
	Subcode   int    `json:"error_subcode"`
	FBTraceID string `json:"fbtrace_id"`
}

func (e *APIError) Error() string {
	if e.Subcode != 0 {
		return fmt.Sprintf("graph api error (status %d, code %d/%d): %s", e.Status, e.Code, e.Subcode, e.Message)
	}
	return fmt.Sprintf("graph api error (status %d, code %d): %s", e.Status, e.Code, e.Message)
}

// Describe maps a send or lookup error to the category recorded for operators.
// Unknown platform errors pass through their raw message.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrNotConfigured) {
		return DetailNotConfigured
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Subcode == subcodeOutsideWindow || apiErr.Subcode == subcodeOutsideWindowAlt:
			return DetailOutsideWindow
		case apiErr.Code == codeAccessToken:
			return DetailTokenExpired
		case apiErr.Code == codePermissionDenied, apiErr.Code == codePermissionsMissing,
			apiErr.Code == codeAPIPermission, apiErr.Code == codeAppPermission:
			return DetailPermission
		case apiErr.Code == codeTooManyCalls:
			return DetailRateLimited
		case apiErr.Message != "":
			return apiErr.Message
		default:
			return apiErr.Error()
		}
	}

	if isTimeout(err) {
		return DetailTimeout
	}
	return err.Error()
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
