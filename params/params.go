package params

import "time"

const (
	ChallengeKeyPrefix         = "c:"
	AttemptStateKeyPrefix      = "m:"
	HealthCheckServerAddr      = ":3001"          // health check server address
	ConfigCacheTTL             = 5 * time.Minute  // store-backed config entries are cached this long
	ConfigStoreTimeout         = 3 * time.Second  // upper bound for a single setting store query
	ResolveMaxAttempts         = 3                // identity resolution retries after a lost uniqueness race
	RefreshTokenLength         = 43               // characters of an opaque refresh token
	OTPCodeLength              = 6                // sms and password reset code length
	BackupCodeLength           = 10               // characters per backup code, excluding separator
	TOTPPeriod                 = 30               // totp step in seconds
	TOTPSkew                   = 1                // accepted steps before and after the current one
	ChallengeMaxAttempts       = 5                // verification attempts allowed per login challenge
	AuditBufferSize            = 1024             // default audit dispatcher queue length
	AuditWriteTimeout          = 2 * time.Second  // audit sink write timeout
	AuditFallbackMaxAge        = 30 * 24 * time.Hour
	AuditFallbackRotationTime  = 24 * time.Hour
	ProviderDefaultTimeout     = 10 * time.Second // identity provider round-trip timeout
	LocalTokenIssuer           = "local"          // issuer of tokens minted by the built-in credential store
	LocalTokenTTL              = 1 * time.Hour
	ResetCodeMaxAttempts       = 5                // confirmation attempts allowed per password reset code
	NotificationSendTimeout    = 30 * time.Second // fire-and-forget dispatch timeout
	ShutdownGracePeriod        = 5 * time.Second
	DefaultDatabaseMaxOpenConn = 20
	DefaultDatabaseMaxIdleConn = 5
)
