package domain

// User is a roster entry owned by the auth collaborator. The kernel only
// reads users, for assignment and for joining display fields onto tasks.
type User struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Username string `json:"username,omitempty"`
}

// DisplayName returns the username when set, falling back to the email.
func (u User) DisplayName() string {
	if u.Username != "" {
		return u.Username
	}
	return u.Email
}
