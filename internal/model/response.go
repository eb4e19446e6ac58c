package model

// ListResponse is the envelope for admin list endpoints. Items are rendered
// as maps so secret material can be left out field by field.
type ListResponse struct {
	Resource []map[string]interface{} `json:"resource"`
	Meta     *ResponseMeta            `json:"meta,omitempty"`
}

// ResponseMeta describes a list page. Limit is set only when the endpoint
// capped the result.
type ResponseMeta struct {
	Count int `json:"count"`
	Limit int `json:"limit,omitempty"`
}

// ErrorResponse is the envelope for every error the API returns.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the HTTP status, a client-safe message and optional
// machine-readable context such as retry_after.
type ErrorDetail struct {
	Code    int                    `json:"code"`
	Message string                 `json:"message"`
	Context map[string]interface{} `json:"context,omitempty"`
}
