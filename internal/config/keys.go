package config

// Runtime keys resolved through the Resolver.
const (
	KeyAuthProviderType         = "AUTH_PROVIDER_TYPE"
	KeyAccessTokenTTL           = "ACCESS_TOKEN_TTL"
	KeyRefreshTokenTTL          = "REFRESH_TOKEN_TTL"
	KeyProviderTimeout          = "PROVIDER_TIMEOUT"
	KeyTokenIssuer              = "TOKEN_ISSUER"
	KeyMFASMSCodeTTL            = "MFA_SMS_CODE_TTL"
	KeyMFAMaxAttempts           = "MFA_MAX_ATTEMPTS"
	KeyMFAAttemptWindow         = "MFA_ATTEMPT_WINDOW"
	KeyMFALockoutDuration       = "MFA_LOCKOUT_DURATION"
	KeyMFABackupCodeCount       = "MFA_BACKUP_CODE_COUNT"
	KeyMFAChallengeTTL          = "MFA_CHALLENGE_TTL"
	KeyMFATOTPIssuer            = "MFA_TOTP_ISSUER"
	KeyDefaultUserRole          = "DEFAULT_USER_ROLE"
	KeyPasswordResetCodeTTL     = "PASSWORD_RESET_CODE_TTL"
	KeyLocalRequireConfirmation = "LOCAL_REQUIRE_CONFIRMATION"
)

// Key describes a registered configuration key. A required key without a
// default must resolve from the override or store source at startup.
type Key struct {
	Name     string
	Default  string
	Required bool
}

func (k Key) hasDefault() bool {
	return !k.Required || k.Default != ""
}

func DefaultKeys() []Key {
	return []Key{
		{Name: KeyAuthProviderType, Default: "local"},
		{Name: KeyAccessTokenTTL, Default: "15m"},
		{Name: KeyRefreshTokenTTL, Default: "720h"},
		{Name: KeyProviderTimeout, Default: "10s"},
		{Name: KeyTokenIssuer, Required: true},
		{Name: KeyMFASMSCodeTTL, Default: "5m"},
		{Name: KeyMFAMaxAttempts, Default: "5"},
		{Name: KeyMFAAttemptWindow, Default: "15m"},
		{Name: KeyMFALockoutDuration, Default: "15m"},
		{Name: KeyMFABackupCodeCount, Default: "10"},
		{Name: KeyMFAChallengeTTL, Default: "5m"},
		{Name: KeyMFATOTPIssuer, Default: "identcore"},
		{Name: KeyDefaultUserRole, Default: "client"},
		{Name: KeyPasswordResetCodeTTL, Default: "15m"},
		{Name: KeyLocalRequireConfirmation, Default: "false"},
	}
}

// RequireKeys marks the named keys required, registering ones not yet known.
func RequireKeys(keys []Key, names ...string) []Key {
	out := append([]Key(nil), keys...)
	for _, name := range names {
		found := false
		for i := range out {
			if out[i].Name == name {
				out[i].Required = true
				found = true
				break
			}
		}
		if !found {
			out = append(out, Key{Name: name, Required: true})
		}
	}
	return out
}
