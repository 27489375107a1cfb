package model

// Role is the coarse authorization level carried by a User.
type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAdmin
}

func (r Role) String() string {
	return string(r)
}

// User is the identity resolved for the current session. Treat it as
// immutable: a new login replaces it wholesale.
type User struct {
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Username  string `json:"username"`
	Role      Role   `json:"role"`
	Email     string `json:"email,omitempty"`
	Avatar    string `json:"avatar,omitempty"`
	IsActive  bool   `json:"isActive"`
}

// DisplayName returns "First Last" when known, the username otherwise.
func (u *User) DisplayName() string {
	switch {
	case u.FirstName != "" && u.LastName != "":
		return u.FirstName + " " + u.LastName
	case u.FirstName != "":
		return u.FirstName
	default:
		return u.Username
	}
}

// Clone returns a copy so callers can't mutate shared session state.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	return &c
}
