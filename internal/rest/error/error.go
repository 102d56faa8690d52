package error

// ApiError is the JSON error body returned by the REST layer.
type ApiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}
