package audit

const (
	ActionLoginSuccess          = "login_success"
	ActionLoginFailure          = "login_failure"
	ActionRegister              = "register"
	ActionLogout                = "logout"
	ActionLogoutAll             = "logout_all"
	ActionTokenRefresh          = "token_refresh"
	ActionTokenReuse            = "token_reuse_detected"
	ActionMFAChallengeCreated   = "mfa_challenge_created"
	ActionMFAChallengeVerified  = "mfa_challenge_verified"
	ActionMFAChallengeFailed    = "mfa_challenge_failed"
	ActionPasswordResetRequest  = "password_reset_requested"
	ActionPasswordResetComplete = "password_reset_completed"
)

// Fallback reasons reported to metrics.
const (
	reasonSinkError  = "sink_error"
	reasonBufferFull = "buffer_full"
	reasonClosed     = "closed"
)
