package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/zhifu/donation-pay/config"
	"github.com/zhifu/donation-pay/gateways"
	"github.com/zhifu/donation-pay/gateways/shouqianba"
	stripegw "github.com/zhifu/donation-pay/gateways/stripe"
	"github.com/zhifu/donation-pay/logging"
	"github.com/zhifu/donation-pay/models"
	"github.com/zhifu/donation-pay/monitoring"
	"github.com/zhifu/donation-pay/repository"
	"github.com/zhifu/donation-pay/services"
	"github.com/zhifu/donation-pay/utils"
)

// app holds everything the subcommands share.
type app struct {
	cfg        *config.Config
	db         *gorm.DB
	registry   *gateways.Registry
	configs    *repository.GatewayConfigRepository
	donations  *repository.DonationRepository
	payments   *services.PaymentService
	calculator services.DonationAmountCalculator
	events     services.EventPublisher
	closers    []func(context.Context) error
}

// bootstrap loads configuration, starts logging and telemetry, opens the
// database and builds the payment service. events may be nil.
func bootstrap(configPath string, events services.EventPublisher) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logEndpoint := ""
	if cfg.Telemetry.OTLPLogs {
		logEndpoint = cfg.Telemetry.OTLPEndpoint
	}
	if err := logging.InitLogger(logging.Options{
		ServiceName:  cfg.Telemetry.ServiceName,
		Level:        cfg.Telemetry.LogLevel,
		OTLPEndpoint: logEndpoint,
	}); err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	a := &app{cfg: cfg, events: events}
	a.closers = append(a.closers, logging.Shutdown)

	if cfg.Telemetry.Tracing && cfg.Telemetry.OTLPEndpoint != "" {
		tp, err := monitoring.InitTracer(cfg.Telemetry.ServiceName, cfg.Telemetry.OTLPEndpoint)
		if err != nil {
			logging.Warn("Failed to initialize tracer", zap.Error(err))
		} else {
			a.closers = append(a.closers, tp.Shutdown)
		}
	}
	mp, err := monitoring.InitMeter(cfg.Telemetry.ServiceName)
	if err != nil {
		logging.Warn("Failed to initialize meter", zap.Error(err))
	} else {
		a.closers = append(a.closers, mp.Shutdown)
	}

	db, err := utils.InitDatabase(utils.DatabaseOptions{
		Driver:          cfg.MySQL.Driver,
		Host:            cfg.MySQL.Host,
		Port:            cfg.MySQL.Port,
		User:            cfg.MySQL.User,
		Password:        cfg.MySQL.Password,
		DBName:          cfg.MySQL.DBName,
		DSN:             cfg.MySQL.DSN,
		MaxIdleConns:    cfg.MySQL.MaxIdleConns,
		MaxOpenConns:    cfg.MySQL.MaxOpenConns,
		ConnMaxLifetime: cfg.MySQL.ConnMaxLifetime,
		LogLevel:        cfg.MySQL.LogLevel,
	})
	if err != nil {
		a.close(context.Background())
		return nil, err
	}
	a.db = db
	a.closers = append(a.closers, func(context.Context) error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	})

	if err := a.buildServices(); err != nil {
		a.close(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *app) buildServices() error {
	registry, err := buildRegistry(a.cfg)
	if err != nil {
		return err
	}
	a.registry = registry
	a.configs = repository.NewGatewayConfigRepository(a.db)
	a.donations = repository.NewDonationRepository(a.db)

	a.calculator = buildCalculator(a.cfg)
	attempts := repository.NewAttemptRepository(a.db)
	a.payments = services.NewPaymentService(services.Deps{
		Payments:  repository.NewPaymentRepository(a.db),
		Attempts:  attempts,
		Webhooks:  repository.NewWebhookEventRepository(a.db),
		Donations: a.donations,
		Registry:  registry,
		Router:    gateways.NewRouter(registry, a.configs),
		Auditor: services.NewAttemptAuditor(attempts, services.AuditPolicy{
			MaxAttempts:            a.cfg.Retry.MaxAttempts,
			Lookback:               a.cfg.Retry.Lookback,
			Window:                 a.cfg.Fraud.Window,
			OriginFailureThreshold: a.cfg.Fraud.OriginFailureThreshold,
			RapidWindow:            a.cfg.Fraud.RapidWindow,
			RapidAttemptThreshold:  a.cfg.Fraud.RapidAttemptThreshold,
			CodeSpikeThreshold:     a.cfg.Fraud.CodeSpikeThreshold,
		}),
		Events:         a.events,
		Calculator:     &a.calculator,
		GatewayTimeout: a.cfg.GatewayTimeout,
	})
	return nil
}

// buildRegistry registers every provider that has credentials.
func buildRegistry(cfg *config.Config) (*gateways.Registry, error) {
	registry := gateways.NewRegistry()

	if sc := cfg.Gateways.Stripe; sc.SecretKey != "" {
		registry.Register(stripegw.New(stripegw.Config{
			SecretKey:     sc.SecretKey,
			WebhookSecret: sc.WebhookSecret,
			Timeout:       cfg.GatewayTimeout,
		}))
	}
	if sq := cfg.Gateways.Shouqianba; sq.TerminalSN != "" {
		gw, err := shouqianba.New(shouqianba.Config{
			APIURL:       sq.APIURL,
			GatewayURL:   sq.GatewayURL,
			TerminalSN:   sq.TerminalSN,
			TerminalKey:  sq.TerminalKey,
			PublicKeyPEM: sq.PublicKeyPEM,
			NotifyURL:    sq.NotifyURL,
			ReturnURL:    sq.ReturnURL,
			StoreName:    sq.StoreName,
			Timeout:      cfg.GatewayTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("shouqianba gateway: %w", err)
		}
		registry.Register(gw)
	}

	if len(registry.Names()) == 0 {
		logging.Warn("No payment gateway configured; only manual methods will work")
	}
	return registry, nil
}

// buildCalculator parses the fee and tax settings. Config.Validate has
// already checked every string.
func buildCalculator(cfg *config.Config) services.DonationAmountCalculator {
	fixed := make(map[string]decimal.Decimal, len(cfg.Fees.Fixed))
	for cur, s := range cfg.Fees.Fixed {
		// viper lower-cases map keys
		fixed[strings.ToUpper(cur)] = decimal.RequireFromString(s)
	}
	return services.DonationAmountCalculator{
		Fees: services.FeeSchedule{
			PercentageRate: decimal.RequireFromString(cfg.Fees.PercentageRate),
			FixedDefault:   decimal.RequireFromString(cfg.Fees.FixedDefault),
			Fixed:          fixed,
		},
		Tax: services.TaxPolicy{
			DeductiblePercentage: decimal.RequireFromString(cfg.Tax.DeductiblePercentage),
			MinimumAmount:        decimal.RequireFromString(cfg.Tax.MinimumAmount),
		},
	}
}

// sweeper builds the background sweeper, archiving to S3 when a bucket is
// configured.
func (a *app) sweeper(ctx context.Context) (*services.Sweeper, error) {
	var archiver services.Archiver
	if r := a.cfg.Retention; r.ArchiveBucket != "" {
		s3a, err := services.NewS3ArchiverFromEnv(ctx, r.ArchiveRegion, r.ArchiveBucket, r.ArchivePrefix)
		if err != nil {
			return nil, fmt.Errorf("attempt archiver: %w", err)
		}
		archiver = s3a
	}
	return services.NewSweeper(a.payments, archiver, services.SweepPolicy{
		Interval:        a.cfg.Retry.SweepInterval,
		CleanupInterval: a.cfg.Retention.CleanupInterval,
		BatchSize:       a.cfg.Retry.BatchSize,
		CleanupBatch:    a.cfg.Retention.BatchSize,
		Lookback:        a.cfg.Retry.Lookback,
		ReconcileAfter:  a.cfg.Retry.ReconcileAfter,
		Horizon:         a.cfg.RetentionHorizon(),
	}), nil
}

// seedRouting writes the routing section of the config file into
// gateway_configs. A row is only marked configured when its provider has
// credentials.
func (a *app) seedRouting(ctx context.Context) error {
	var errs []error
	for name, seed := range a.cfg.Routing {
		record := &models.GatewayConfig{
			Name:       name,
			TestMode:   seed.TestMode,
			IsActive:   seed.Active,
			Priority:   seed.Priority,
			Currencies: seed.Currencies,
			MinAmount:  decimal.Zero,
			MaxAmount:  decimal.Zero,
		}
		if gw, err := a.registry.Get(name); err == nil {
			record.IsConfigured = gw.ValidateConfiguration()
		}
		if seed.MinAmount != "" {
			v, err := decimal.NewFromString(seed.MinAmount)
			if err != nil {
				errs = append(errs, fmt.Errorf("routing.%s.min_amount: %w", name, err))
				continue
			}
			record.MinAmount = v
		}
		if seed.MaxAmount != "" {
			v, err := decimal.NewFromString(seed.MaxAmount)
			if err != nil {
				errs = append(errs, fmt.Errorf("routing.%s.max_amount: %w", name, err))
				continue
			}
			record.MaxAmount = v
		}
		if err := a.configs.Upsert(ctx, record); err != nil {
			errs = append(errs, fmt.Errorf("seed gateway %s: %w", name, err))
			continue
		}
		logging.Info("Gateway routing seeded",
			zap.String("gateway", name),
			zap.Bool("active", record.IsActive),
			zap.Bool("configured", record.IsConfigured),
			zap.Int("priority", record.Priority))
	}
	return errors.Join(errs...)
}

// close runs the closers in reverse order.
func (a *app) close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			logging.Warn("Shutdown step failed", zap.Error(err))
		}
	}
	_ = logging.Sync()
}
