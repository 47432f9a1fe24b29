// Package response shapes the JSON envelope cmd/hottubd's handlers
// return, so every internal endpoint looks the same on the wire
// whether it succeeds or fails.
package response

// Envelope wraps every hottubd HTTP response.
type Envelope struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorInfo  `json:"error,omitempty"`
}

// ErrorInfo carries the apperrors code/message pair over the wire.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// OK builds a success envelope.
func OK(data interface{}, message string) Envelope {
	return Envelope{Success: true, Data: data, Message: message}
}

// Fail builds an error envelope.
func Fail(code, message string) Envelope {
	return Envelope{Success: false, Error: &ErrorInfo{Code: code, Message: message}}
}
