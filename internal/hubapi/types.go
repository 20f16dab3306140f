package hubapi

// RefreshRequest is the payload for POST /auth/refresh.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// RefreshResponse is returned from POST /auth/refresh.
type RefreshResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"`
}

// APIError represents an error response from the hub API.
type APIError struct {
	Error string `json:"error"`
	Msg   string `json:"msg"`
}
