package domain

// UserContext is the authenticated identity injected into request handlers.
// UserID is the owning identity compared against Snapshot.UserID.
type UserContext struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Name   string `json:"name"`
	Role   string `json:"role"`
}
