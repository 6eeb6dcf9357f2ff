package domain

// User is the roster entry for a call participant. Identity management
// lives outside the call core; only the fields the core needs to address
// and present a peer are carried here.
type User struct {
	UserID      string  `json:"user_id"`
	DisplayName string  `json:"display_name"`
	AvatarURL   *string `json:"avatar_url,omitempty"`
}
