package auth

// State is the authentication state of this installation.
type State int

const (
	// Unpaired means no pairing token or session exists.
	Unpaired State = iota
	// PendingConfirmation means a pairing token was issued and the user has
	// not yet confirmed it in the browser.
	PendingConfirmation
	// Authenticated means the stored session was accepted by the service.
	Authenticated
	// Unauthenticated means a session is stored but the service rejected it
	// or could not be reached.
	Unauthenticated
)

func (s State) String() string {
	switch s {
	case Unpaired:
		return "unpaired"
	case PendingConfirmation:
		return "pending confirmation"
	case Authenticated:
		return "authenticated"
	case Unauthenticated:
		return "unauthenticated"
	default:
		return "unknown"
	}
}

// Decision is the user's answer to a login prompt.
type Decision int

const (
	NotNow Decision = iota
	Login
)
