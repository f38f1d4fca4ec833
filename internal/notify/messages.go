package notify

import (
	"fmt"
	"time"
)

func formatMinutes(d time.Duration) int {
	m := int(d.Round(time.Minute) / time.Minute)
	if m < 1 {
		return 1
	}
	return m
}

func VerificationCodeMessage(code string, expiresIn time.Duration) *Message {
	return &Message{
		Subject: fmt.Sprintf("%s is your verification code", code),
		Body:    fmt.Sprintf("Your verification code is %s. It expires in %d minutes.", code, formatMinutes(expiresIn)),
	}
}

func PasswordResetMessage(code string, expiresIn time.Duration) *Message {
	return &Message{
		Subject: "Reset your password",
		Body: fmt.Sprintf("Use code %s to reset your password. It expires in %d minutes. "+
			"If you did not request a password reset you can ignore this message.", code, formatMinutes(expiresIn)),
	}
}
