package metadata

// UserContext represents the authenticated user, set by auth middleware.
// ID holds the value bound to _USER_.id: a string, an int64 or UUID bytes,
// depending on how the user table keys its rows.
type UserContext struct {
	ID any `json:"id"`
}

// UserID returns the id of u, or nil for anonymous requests.
func (u *UserContext) UserID() any {
	if u == nil {
		return nil
	}
	return u.ID
}

// IsAuthenticated reports whether the request carries a user identity.
func (u *UserContext) IsAuthenticated() bool {
	return u != nil && u.ID != nil
}
