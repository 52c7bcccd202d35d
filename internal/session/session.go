package session

import "strconv"

// Keys stored in the session file.
const (
	KeyToken             = "token"
	KeyJWT               = "jwt"
	KeyUser              = "user"
	KeyLastAuthCheckTime = "lastAuthCheckTime"
)

// State is the typed view of the session file.
type State struct {
	Token string
	JWT   string
	User  string
	// LastAuthCheckTime is when the user was last prompted to log in, in
	// seconds since the Unix epoch. Zero means never.
	LastAuthCheckTime int64
}

// HasJWT reports whether a session token is stored.
func (s State) HasJWT() bool {
	return s.JWT != ""
}

func stateFrom(values map[string]string) State {
	st := State{
		Token: values[KeyToken],
		JWT:   values[KeyJWT],
		User:  values[KeyUser],
	}
	if v := values[KeyLastAuthCheckTime]; v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			st.LastAuthCheckTime = n
		}
	}
	return st
}

// FormatTime encodes an epoch-seconds timestamp for storage.
func FormatTime(sec int64) string {
	return strconv.FormatInt(sec, 10)
}
