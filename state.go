package authclient

// LoadingFlags tracks which session actions are in flight
type LoadingFlags struct {
	Initializing    bool
	LoggingIn       bool
	Registering     bool
	LoggingOut      bool
	Refreshing      bool
	UpdatingProfile bool
}

// Any reports whether at least one action is in flight
func (l LoadingFlags) Any() bool {
	return l.Initializing || l.LoggingIn || l.Registering ||
		l.LoggingOut || l.Refreshing || l.UpdatingProfile
}

// ErrorFlags keeps the last error of each action. A successful run of an
// action clears its entry.
type ErrorFlags struct {
	Initialize error
	Login      error
	Register   error
	Logout     error
	Refresh    error
	Profile    error
}

// AuthState is the observable session state. It is never mutated in place:
// every change commits a new value with a higher Version.
type AuthState struct {
	// Initialized flips to true exactly once, when startup resolution ends
	Initialized   bool
	Authenticated bool
	User          *UserSnapshot
	Loading       LoadingFlags
	Errors        ErrorFlags
	Version       uint64
	// LastFailure records why the last session ended, empty after a
	// successful login
	LastFailure Kind
}

// Role returns the user role, empty when there is no user
func (s AuthState) Role() UserRole {
	if s.User == nil {
		return ""
	}
	return s.User.Role
}

func (s AuthState) IsAdmin() bool {
	return s.Authenticated && s.Role() == RoleAdmin
}

// Offline reports an authenticated state restored from cache whose
// verification could not reach the backend.
func (s AuthState) Offline() bool {
	return s.Authenticated && s.Errors.Initialize != nil
}
