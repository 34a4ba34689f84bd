package api

// ErrorResponse is the body of every non-200 answer.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Messages shown to clients. Internal error details are logged, never returned.
const (
	msgUnauthorized     = "Authentication required."
	msgInvalidUserID    = "Invalid user id."
	msgUserNotFound     = "User not found."
	msgForbiddenSession = "Not your session."
	msgSessionNotFound  = "Checkout session not found."
	msgProviderFailure  = "Could not confirm the checkout session with the billing provider."
	msgInternal         = "Internal error."
	msgMethodNotAllowed = "Method not allowed."
	defaultSessionParam = "session_id"
	maxUserIDLen        = 255
	maxSessionIDLen     = 255
)
