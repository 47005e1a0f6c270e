package common

import "time"

// Response is the standard wrapped response shape used by the session API.
type Response struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Wrap builds a successful wrapped response.
func Wrap(data interface{}) Response {
	return Response{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// WrapError builds a failed wrapped response.
func WrapError(err error) Response {
	return Response{
		Success:   false,
		Error:     err.Error(),
		Timestamp: time.Now().UTC(),
	}
}
