// Package profile defines the user profile record and the client used to
// fetch it from the backend.
package profile

import "encoding/json"

// User is the profile record owned by the session. It is treated as an
// immutable value: updates replace it wholesale, except Merge which overlays
// pushed fields over a previous value.
type User struct {
	ID        int64  `json:"id"`
	Username  string `json:"username,omitempty"`
	Email     string `json:"email,omitempty"`
	Avatar    string `json:"avatar,omitempty"`
	LastLogin string `json:"last_login,omitempty"`
	IsBanned  bool   `json:"is_banned"`
}

// Merge returns a copy of u with the fields present in raw overlaid on top.
// Fields absent from raw keep their previous values.
func (u User) Merge(raw json.RawMessage) (User, error) {
	next := u
	if err := json.Unmarshal(raw, &next); err != nil {
		return u, err
	}
	return next, nil
}
