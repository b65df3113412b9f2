package models

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates a successful API operation.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates a failed API operation.
	APIStatusError APIStatus = "error"
)

// APIResponse is the standard envelope for all JSON API responses.
type APIResponse struct {
	Status APIStatus   `json:"status"`
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// NewAPIResponse creates a new APIResponse with the given status.
func NewAPIResponse(status APIStatus) *APIResponse {
	return &APIResponse{Status: status}
}

// SuccessResponse creates a successful API response.
func SuccessResponse() *APIResponse {
	return NewAPIResponse(APIStatusOK)
}

// ErrorResponse creates an error API response with the given message.
func ErrorResponse(message string) *APIResponse {
	return &APIResponse{Status: APIStatusError, Error: message}
}

// WithResult adds a result payload to the response.
func (r *APIResponse) WithResult(result interface{}) *APIResponse {
	r.Result = result
	return r
}
