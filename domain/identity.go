package domain

// Identity is an authenticated user as reported by the identity provider.
type Identity struct {
	UserID      string `json:"sub"`
	DisplayName string `json:"name,omitempty"`
	Email       string `json:"email,omitempty"`
	Picture     string `json:"picture,omitempty"`
}
