package config

import (
	"errors"
	"strings"
	"time"

	"github.com/khanghh/identcore/params"
	"github.com/spf13/viper"
)

const (
	DefaultDatabaseDriver   = "mysql"
	DefaultAuditFallbackDir = "./logs/audit"
)

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Dsn             string        `mapstructure:"dsn"`
	Replicas        []string      `mapstructure:"replicas"`
	TablePrefix     string        `mapstructure:"tablePrefix"`
	MaxIdleConns    int           `mapstructure:"maxIdleConns"`
	MaxOpenConns    int           `mapstructure:"maxOpenConns"`
	ConnMaxIdleTime time.Duration `mapstructure:"connMaxIdleTime"`
	ConnMaxLifetime time.Duration `mapstructure:"connMaxLifetime"`
}

type RedisConfig struct {
	URL         string `mapstructure:"url"`
	PoolSize    int    `mapstructure:"poolSize"`
	ClusterMode bool   `mapstructure:"clusterMode"`
}

type ProviderConfig struct {
	BaseURL      string        `mapstructure:"baseURL"`
	ClientID     string        `mapstructure:"clientID"`
	ClientSecret string        `mapstructure:"clientSecret"`
	TokenURL     string        `mapstructure:"tokenURL"`
	Scope        []string      `mapstructure:"scope"`
	APIKey       string        `mapstructure:"apiKey"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	TLS      bool   `mapstructure:"tls"`
	CertFile string `mapstructure:"certFile"`
	KeyFile  string `mapstructure:"keyFile"`
	CAFile   string `mapstructure:"caFile"`
}

type MailConfig struct {
	Backend          string     `mapstructure:"backend"`
	From             string     `mapstructure:"from"`
	SMSGatewayDomain string     `mapstructure:"smsGatewayDomain"`
	SMTP             SMTPConfig `mapstructure:"smtp"`
}

type AuditConfig struct {
	BufferSize     int           `mapstructure:"bufferSize"`
	FallbackDir    string        `mapstructure:"fallbackDir"`
	FallbackMaxAge time.Duration `mapstructure:"fallbackMaxAge"`
}

type Config struct {
	Debug           bool           `mapstructure:"debug"`
	MasterKey       string         `mapstructure:"masterKey"`
	NodeID          int64          `mapstructure:"nodeID"`
	HealthCheckAddr string         `mapstructure:"healthCheckAddr"`
	RequiredKeys    []string       `mapstructure:"requiredKeys"`
	Database        DatabaseConfig `mapstructure:"database"`
	Redis           RedisConfig    `mapstructure:"redis"`
	Mail            MailConfig     `mapstructure:"mail"`
	Audit           AuditConfig    `mapstructure:"audit"`
	Providers       struct {
		ProviderA ProviderConfig `mapstructure:"providerA"`
		ProviderB ProviderConfig `mapstructure:"providerB"`
	} `mapstructure:"providers"`
}

func (c *Config) Sanitize() error {
	if c.MasterKey == "" {
		return errors.New("masterKey is required")
	}
	if c.HealthCheckAddr == "" {
		c.HealthCheckAddr = params.HealthCheckServerAddr
	}
	if c.Database.Driver == "" {
		c.Database.Driver = DefaultDatabaseDriver
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = params.DefaultDatabaseMaxOpenConn
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = params.DefaultDatabaseMaxIdleConn
	}
	if c.Audit.BufferSize == 0 {
		c.Audit.BufferSize = params.AuditBufferSize
	}
	if c.Audit.FallbackDir == "" {
		c.Audit.FallbackDir = DefaultAuditFallbackDir
	}
	if c.Audit.FallbackMaxAge == 0 {
		c.Audit.FallbackMaxAge = params.AuditFallbackMaxAge
	}
	for _, p := range []*ProviderConfig{&c.Providers.ProviderA, &c.Providers.ProviderB} {
		if p.Timeout == 0 {
			p.Timeout = params.ProviderDefaultTimeout
		}
	}
	return nil
}

func LoadConfig(filename string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(filename)
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	if err := config.Sanitize(); err != nil {
		return nil, err
	}
	return &config, nil
}
