package domain

// SessionState is the transient position of a user in the register/login/predict flow.
type SessionState string

const (
	StateIdle                       SessionState = "idle"
	StateAwaitingRegistrationSecret SessionState = "awaiting_registration_secret"
	StateAwaitingLoginSecret        SessionState = "awaiting_login_secret"
	StateAwaitingImage              SessionState = "awaiting_image"
)

// IsAwaiting reports whether the state holds a pending flow.
func (s SessionState) IsAwaiting() bool {
	return s != StateIdle && s != ""
}

func (s SessionState) String() string {
	if s == "" {
		return string(StateIdle)
	}
	return string(s)
}
