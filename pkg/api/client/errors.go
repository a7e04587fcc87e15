package client

import (
	"errors"
	"fmt"
)

// User-visible messages for session-ending failures.
const (
	MsgAuthRequired   = "Authentication required. Please log in."
	MsgSessionExpired = "Session expired. Please log in again."
	failurePrefix     = "API Request Failed: "
)

// ErrNotAuthenticated indicates an authorized call was attempted without an access token.
var ErrNotAuthenticated = errors.New("not authenticated")

// ErrSessionExpired indicates the access token was rejected and could not be refreshed.
var ErrSessionExpired = errors.New("session expired")

// ErrInvalidInput indicates client-side validation rejected the request before sending it.
var ErrInvalidInput = errors.New("invalid input")

// ErrCancelled indicates the caller supplied nothing to send, e.g. an empty proposal.
var ErrCancelled = errors.New("cancelled")

// APIError represents a non-2xx response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return e.Message
}

// sessionEnding reports whether err must tear the session down.
func sessionEnding(err error) bool {
	return errors.Is(err, ErrNotAuthenticated) || errors.Is(err, ErrSessionExpired)
}

// displayMessage is the text shown for a failure that is not session ending.
func displayMessage(err error) string {
	var apiErr APIError
	if errors.As(err, &apiErr) {
		return apiErr.Error()
	}
	return err.Error()
}
