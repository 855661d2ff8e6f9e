package gateway

import "fmt"

// AuthError reports a failed OAuth client-credentials exchange.
type AuthError struct {
	Status int
	Body   string
	Err    error // transport or decode failure; Status is 0 when set
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("token fetch failed: %v", e.Err)
	}
	if e.Body == "" {
		return fmt.Sprintf("token fetch failed: %d", e.Status)
	}
	return fmt.Sprintf("token fetch failed: %d %s", e.Status, e.Body)
}

func (e *AuthError) Unwrap() error { return e.Err }

// APIError reports a non-success HTTP status from the JobBOSS2 API.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("jobboss2 api error: %d %s", e.Status, e.Body)
}

// ValidationError rejects tool arguments before any network call is made.
type ValidationError struct {
	Tool   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Tool, e.Reason)
}
