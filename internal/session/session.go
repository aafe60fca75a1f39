// Package session owns the client-side authentication state: the current
// user record, the current access token, and the machinery keeping them in
// sync with the credential store, the profile endpoint, and the push channel.
package session

import "github.com/dmitrijs2005/sessionkit/internal/profile"

// Session is the in-memory tuple of current user, current token, and loading
// flag. It is owned exclusively by the Manager; consumers read copies via
// Snapshot.
//
// Invariant: a non-nil User implies a token was validated and a profile was
// fetched or pushed successfully at some point. It does not imply the token
// is still valid.
type Session struct {
	User    *profile.User
	Token   string
	Loading bool
}

// LoggedIn reports whether the session currently holds a user record.
func (s Session) LoggedIn() bool {
	return s.User != nil
}

// Pusher is what the Manager needs from the push channel: retargeting on
// token change and teardown. The empty token means "no connection".
type Pusher interface {
	SetToken(token string)
	Close()
}
