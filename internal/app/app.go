package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/glebarez/sqlite"
	fiberredis "github.com/gofiber/storage/redis/v3"
	"github.com/khanghh/identcore/internal/audit"
	"github.com/khanghh/identcore/internal/auth"
	"github.com/khanghh/identcore/internal/config"
	"github.com/khanghh/identcore/internal/identity"
	"github.com/khanghh/identcore/internal/metrics"
	"github.com/khanghh/identcore/internal/notify"
	"github.com/khanghh/identcore/internal/sessions"
	"github.com/khanghh/identcore/internal/store"
	"github.com/khanghh/identcore/internal/twofactor"
	"github.com/khanghh/identcore/internal/users"
	"github.com/khanghh/identcore/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
	"gorm.io/plugin/dbresolver"
)

// App holds every long-lived component of the service.
type App struct {
	Config   *config.Config
	DB       *gorm.DB
	Redis    *fiberredis.Storage
	Storage  *store.RedisStorage
	Registry *prometheus.Registry
	Resolver *config.Resolver
	Mapper   *users.Mapper
	Sessions *sessions.Manager
	MFA      *twofactor.Engine
	Audit    *audit.Logger
	Auth     *auth.Service

	fallback *audit.JSONLinesFallback
}

func dialector(driver, dsn string) (gorm.Dialector, error) {
	switch driver {
	case "mysql":
		return mysql.Open(dsn), nil
	case "sqlite":
		return sqlite.Open(dsn), nil
	}
	return nil, fmt.Errorf("unsupported database driver %q", driver)
}

// OpenDatabase connects to the primary database and registers read replicas.
func OpenDatabase(dbConfig config.DatabaseConfig) (*gorm.DB, error) {
	primary, err := dialector(dbConfig.Driver, dbConfig.Dsn)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(primary, &gorm.Config{
		TranslateError: true,
		NamingStrategy: schema.NamingStrategy{
			TablePrefix:   dbConfig.TablePrefix,
			SingularTable: true,
		},
	})
	if err != nil {
		return nil, err
	}

	if len(dbConfig.Replicas) > 0 {
		replicas := make([]gorm.Dialector, 0, len(dbConfig.Replicas))
		for _, dsn := range dbConfig.Replicas {
			replica, err := dialector(dbConfig.Driver, dsn)
			if err != nil {
				return nil, err
			}
			replicas = append(replicas, replica)
		}
		resolver := dbresolver.Register(dbresolver.Config{
			Replicas: replicas,
			Policy:   dbresolver.RandomPolicy{},
		}).
			SetMaxOpenConns(dbConfig.MaxOpenConns).
			SetMaxIdleConns(dbConfig.MaxIdleConns).
			SetConnMaxIdleTime(dbConfig.ConnMaxIdleTime).
			SetConnMaxLifetime(dbConfig.ConnMaxLifetime)
		if err := db.Use(resolver); err != nil {
			return nil, err
		}
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(dbConfig.MaxOpenConns)
	sqlDB.SetMaxIdleConns(dbConfig.MaxIdleConns)
	sqlDB.SetConnMaxIdleTime(dbConfig.ConnMaxIdleTime)
	sqlDB.SetConnMaxLifetime(dbConfig.ConnMaxLifetime)
	return db, nil
}

// NewResolver builds the runtime configuration resolver over db. Overrides
// come from the process environment.
func NewResolver(cfg *config.Config, db *gorm.DB, recorder metrics.Recorder) *config.Resolver {
	keys := config.RequireKeys(config.DefaultKeys(), cfg.RequiredKeys...)
	return config.NewResolver(config.NewSettingRepository(db), config.NewEnvOverrides("", keys), keys, recorder)
}

func newSender(mailCfg config.MailConfig) (notify.Sender, error) {
	switch mailCfg.Backend {
	case "", "log":
		return notify.LogSender{}, nil
	case "smtp":
		smtpCfg := mailCfg.SMTP
		return notify.NewSMTPSender(notify.SMTPConfig{
			Host:     smtpCfg.Host,
			Port:     smtpCfg.Port,
			Username: smtpCfg.Username,
			Password: smtpCfg.Password,
			TLS:      smtpCfg.TLS,
			CertFile: smtpCfg.CertFile,
			KeyFile:  smtpCfg.KeyFile,
			CAFile:   smtpCfg.CAFile,
		}, mailCfg.From, mailCfg.SMSGatewayDomain)
	}
	return nil, fmt.Errorf("unsupported mail backend %q", mailCfg.Backend)
}

func newAdapters(cfg *config.Config, db *gorm.DB, resolver *config.Resolver, sender notify.Sender) []identity.Adapter {
	adapters := []identity.Adapter{
		identity.NewLocalAdapter(identity.NewLocalCredentialRepository(db), resolver, sender, cfg.MasterKey),
	}
	if p := cfg.Providers.ProviderA; p.BaseURL != "" {
		client := identity.NewOAuth2HTTPClient(p.BaseURL, p.ClientID, p.ClientSecret, p.TokenURL, p.Scope, p.Timeout)
		adapters = append(adapters, identity.NewManagedAdapter(identity.ProviderA, client, resolver))
	}
	if p := cfg.Providers.ProviderB; p.BaseURL != "" {
		client := identity.NewAPIKeyHTTPClient(p.BaseURL, p.APIKey, p.Timeout)
		adapters = append(adapters, identity.NewManagedAdapter(identity.ProviderB, client, resolver))
	}
	return adapters
}

// New connects to the database and redis and wires the authentication
// service. The resolver is not validated here; call Resolver.Init before
// serving.
func New(cfg *config.Config) (*App, error) {
	if err := model.SetNodeID(cfg.NodeID); err != nil {
		return nil, fmt.Errorf("invalid node id: %w", err)
	}
	db, err := OpenDatabase(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	redisStorage := fiberredis.New(fiberredis.Config{
		URL:           cfg.Redis.URL,
		PoolSize:      cfg.Redis.PoolSize,
		IsClusterMode: cfg.Redis.ClusterMode,
	})
	cacheStorage := store.NewRedisStorage(redisStorage.Conn())

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(registry)

	sender, err := newSender(cfg.Mail)
	if err != nil {
		redisStorage.Close()
		return nil, err
	}

	fallback, err := audit.NewFileFallback(cfg.Audit.FallbackDir, cfg.Audit.FallbackMaxAge)
	if err != nil {
		redisStorage.Close()
		return nil, fmt.Errorf("open audit fallback: %w", err)
	}

	resolver := NewResolver(cfg, db, collector)

	// repositories
	var (
		userRepo    = users.NewUserRepository(db)
		mappingRepo = users.NewMappingRepository(db)
		sessionRepo = sessions.NewSessionRepository(db)
		mfaRepo     = twofactor.NewMFARepository(db)
		auditRepo   = audit.NewAuditEventRepository(db)
	)

	// services
	var (
		providers      = identity.NewRegistry(resolver, newAdapters(cfg, db, resolver, sender)...)
		mapper         = users.NewMapper(userRepo, mappingRepo, resolver)
		sessionManager = sessions.NewManager(sessionRepo, resolver, cfg.MasterKey, collector)
		mfaEngine      = twofactor.NewEngine(mfaRepo, cacheStorage, resolver, sender, cfg.MasterKey, collector)
		auditLogger    = audit.NewLogger(auditRepo, fallback, cfg.Audit.BufferSize, collector)
	)

	return &App{
		Config:   cfg,
		DB:       db,
		Redis:    redisStorage,
		Storage:  cacheStorage,
		Registry: registry,
		Resolver: resolver,
		Mapper:   mapper,
		Sessions: sessionManager,
		MFA:      mfaEngine,
		Audit:    auditLogger,
		Auth:     auth.NewService(providers, mapper, sessionManager, mfaEngine, auditLogger, collector),
		fallback: fallback,
	}, nil
}

// Init validates the runtime configuration.
func (a *App) Init(ctx context.Context) error {
	return a.Resolver.Init(ctx)
}

// Close drains the audit queue and releases connections.
func (a *App) Close() error {
	a.Audit.Close()
	var errs []error
	if err := a.fallback.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := a.Redis.Close(); err != nil {
		errs = append(errs, err)
	}
	if sqlDB, err := a.DB.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		slog.Error("Failed to close application", "error", err)
		return err
	}
	return nil
}
