package models

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusRecorded indicates data was successfully recorded via API.
	APIStatusRecorded APIStatus = "recorded"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// Recorded creates a response for data that was stored.
func Recorded(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusRecorded), Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}

// TriggerSummary is the result object every scheduler trigger returns.
// The JSON shape is the trigger endpoint's response body. NotConfigured counts
// sends skipped because a channel or endpoint is absent; those are neither
// sent nor failed.
type TriggerSummary struct {
	Trigger       string `json:"trigger"`
	Enabled       bool   `json:"enabled"`
	Skipped       bool   `json:"skipped,omitempty"`
	Processed     int    `json:"processed"`
	Sent          int    `json:"sent"`
	Failed        int    `json:"failed"`
	NotConfigured int    `json:"not_configured,omitempty"`
	Exhausted     int    `json:"exhausted,omitempty"`
	Cleared       int    `json:"cleared,omitempty"`
	Error         string `json:"error,omitempty"`
}
