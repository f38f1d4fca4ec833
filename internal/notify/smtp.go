package notify

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"os"
	"strings"

	"gopkg.in/gomail.v2"
)

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	TLS      bool
	CertFile string
	KeyFile  string
	CAFile   string
}

type SMTPSender struct {
	*gomail.Dialer
	From             string
	SMSGatewayDomain string
}

// address maps phone numbers onto the email-to-SMS gateway.
func (s *SMTPSender) address(destination string) string {
	if strings.Contains(destination, "@") || s.SMSGatewayDomain == "" {
		return destination
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, destination)
	return digits + "@" + s.SMSGatewayDomain
}

func (s *SMTPSender) Send(ctx context.Context, destination string, message *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := gomail.NewMessage()
	msg.SetHeader("From", s.From)
	msg.SetHeader("To", s.address(destination))
	msg.SetHeader("Subject", message.Subject)
	msg.SetBody("text/plain", message.Body)
	return s.DialAndSend(msg)
}

func dialSMTP(smtpCfg SMTPConfig) (*gomail.Dialer, error) {
	dialer := gomail.NewDialer(smtpCfg.Host, smtpCfg.Port, smtpCfg.Username, smtpCfg.Password)
	dialer.TLSConfig = &tls.Config{
		ServerName: smtpCfg.Host,
	}
	if smtpCfg.TLS {
		cert, err := tls.LoadX509KeyPair(smtpCfg.CertFile, smtpCfg.KeyFile)
		if err != nil {
			return nil, err
		}

		caPool := x509.NewCertPool()
		if smtpCfg.CAFile != "" {
			caCert, err := os.ReadFile(smtpCfg.CAFile)
			if err != nil {
				return nil, err
			}
			caPool.AppendCertsFromPEM(caCert)
		}

		dialer.TLSConfig = &tls.Config{
			ServerName:   smtpCfg.Host,
			Certificates: []tls.Certificate{cert},
			RootCAs:      caPool,
		}
	}
	return dialer, nil
}

func NewSMTPSender(smtpConfig SMTPConfig, from string, smsGatewayDomain string) (*SMTPSender, error) {
	dialer, err := dialSMTP(smtpConfig)
	if err != nil {
		return nil, err
	}
	return &SMTPSender{
		Dialer:           dialer,
		From:             from,
		SMSGatewayDomain: smsGatewayDomain,
	}, nil
}
