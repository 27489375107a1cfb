package model

import "time"

// Session pairs the auth token with the resolved identity. Both halves are
// set or cleared together; an empty AuthToken stands for "no token".
type Session struct {
	AuthToken   string `json:"authToken,omitempty"`
	CurrentUser *User  `json:"currentUser,omitempty"`
}

// Anonymous is the unauthenticated session.
var Anonymous = Session{}

func NewSession(token string, user *User) Session {
	return Session{AuthToken: token, CurrentUser: user.Clone()}
}

// Valid reports whether the token and user are either both present or both absent.
func (s Session) Valid() bool {
	return (s.AuthToken == "") == (s.CurrentUser == nil)
}

func (s Session) Authenticated() bool {
	return s.AuthToken != "" && s.CurrentUser != nil
}

// CredentialResult is what the credential service answers to a login attempt.
// User and AuthToken are set only on success, Message only on failure.
type CredentialResult struct {
	Success   bool   `json:"success"`
	User      *User  `json:"user,omitempty"`
	AuthToken string `json:"authToken,omitempty"`
	Message   string `json:"message,omitempty"`
}

// TerminateResult is the answer to a server-side session termination.
type TerminateResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type SessionState int

const (
	StateUninitialized SessionState = iota
	StateLoading
	StateAuthenticated
	StateUnauthenticated
	StateError
)

func (s SessionState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLoading:
		return "loading"
	case StateAuthenticated:
		return "authenticated"
	case StateUnauthenticated:
		return "unauthenticated"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// SessionSnapshot is a read-only view of the session store at one instant.
type SessionSnapshot struct {
	Session
	State     SessionState `json:"-"`
	IsLoading bool         `json:"isLoading"`
	IsError   bool         `json:"isError"`
	Err       error        `json:"-"`
	Version   uint64       `json:"version"`
	FetchedAt time.Time    `json:"fetchedAt,omitzero"`
}

