// Package commands implements the vaultpilot CLI. Commands are thin
// glue: they resolve a tenant context, wire the engine from
// configuration, and print the result.
package commands

import (
	"context"
	"fmt"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/vaultpilot/vaultpilot/internal/audit"
	"github.com/vaultpilot/vaultpilot/internal/backends"
	"github.com/vaultpilot/vaultpilot/internal/backup"
	"github.com/vaultpilot/vaultpilot/internal/config"
	"github.com/vaultpilot/vaultpilot/internal/credential"
	"github.com/vaultpilot/vaultpilot/internal/discovery"
	"github.com/vaultpilot/vaultpilot/internal/engine"
	"github.com/vaultpilot/vaultpilot/internal/health"
	"github.com/vaultpilot/vaultpilot/internal/logging"
	"github.com/vaultpilot/vaultpilot/internal/notifications"
	"github.com/vaultpilot/vaultpilot/internal/reload"
	"github.com/vaultpilot/vaultpilot/internal/store"
	"github.com/vaultpilot/vaultpilot/internal/tenant"
)

// Runtime carries the global flags into commands.
type Runtime struct {
	ConfigPath string
	Token      string
	TenantID   string
	Plan       string
	Logger     *logging.Logger
}

// TenantContext resolves the caller's tenant identity. A token wins
// over explicit flags; running without either is an error.
func (r *Runtime) TenantContext() (*tenant.Context, error) {
	if r.Token != "" {
		return tenant.NewResolver().Resolve(r.Token)
	}
	if r.TenantID != "" {
		plan := tenant.Plan(r.Plan)
		if plan == "" {
			plan = tenant.PlanFree
		}
		return &tenant.Context{
			TenantID: r.TenantID,
			UserID:   "cli",
			Plan:     plan,
		}, nil
	}
	return nil, fmt.Errorf("tenant identity required: pass --token or --tenant")
}

// App is the wired engine and its dependencies.
type App struct {
	Config        *config.Config
	Logger        *logging.Logger
	Credentials   store.CredentialStore
	Attempts      store.AttemptStore
	Sink          audit.Sink
	Guard         *tenant.Guard
	Backups       *backup.Manager
	BackupStore   store.BackupStore
	Notifier      *notifications.Manager
	Engine        *engine.Engine
	Scanner       *discovery.Scanner
	MetricsServer *health.MetricsServer
}

// Close drains the notification queue and stops the metrics server.
func (a *App) Close(ctx context.Context) {
	if a.Notifier != nil {
		a.Notifier.Stop()
	}
	if a.MetricsServer != nil {
		if err := a.MetricsServer.Stop(ctx); err != nil {
			a.Logger.Warn("stopping metrics server: %v", err)
		}
	}
}

// BuildApp loads configuration and wires the engine against AWS.
func (r *Runtime) BuildApp(ctx context.Context) (*App, error) {
	cfg, err := config.Load(r.ConfigPath)
	if err != nil {
		return nil, err
	}
	logger := r.Logger

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS configuration: %w", err)
	}
	endpoint := cfg.AWS.Endpoint

	dynamoClient := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = &endpoint
		}
	})
	secretsClient := secretsmanager.NewFromConfig(awsCfg, func(o *secretsmanager.Options) {
		if endpoint != "" {
			o.BaseEndpoint = &endpoint
		}
	})
	iamClient := iam.NewFromConfig(awsCfg, func(o *iam.Options) {
		if endpoint != "" {
			o.BaseEndpoint = &endpoint
		}
	})
	ssmClient := ssm.NewFromConfig(awsCfg, func(o *ssm.Options) {
		if endpoint != "" {
			o.BaseEndpoint = &endpoint
		}
	})
	snsClient := sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if endpoint != "" {
			o.BaseEndpoint = &endpoint
		}
	})
	ecsClient := ecs.NewFromConfig(awsCfg, func(o *ecs.Options) {
		if endpoint != "" {
			o.BaseEndpoint = &endpoint
		}
	})

	credentials := store.NewDynamoCredentialStore(dynamoClient, cfg.Tables.Credentials)
	attempts := store.NewDynamoAttemptStore(dynamoClient, cfg.Tables.Attempts)
	backupStore := store.NewDynamoBackupStore(dynamoClient, cfg.Tables.Backups)
	sink := audit.NewDynamoSink(dynamoClient, cfg.Tables.Audit, logger)

	registry := backends.NewRegistry()
	secretsBackend := backends.NewSecretsManagerBackend(secretsClient, logger)
	registry.Register(credential.TypeSecretsManagerSecret, secretsBackend)
	registry.Register(credential.TypeSMTPPassword, secretsBackend)
	registry.Register(credential.TypeGitHubToken, secretsBackend)
	registry.Register(credential.TypeAPIToken, &backends.StoreRouter{
		Default: secretsBackend,
		SSM:     backends.NewSSMBackend(ssmClient, logger),
	})
	registry.Register(credential.TypeIAMKey, backends.NewIAMKeyBackend(iamClient, secretsClient, logger))
	registry.Register(credential.TypeDatabasePassword, backends.NewDatabaseBackend(backends.DefaultConnector, secretsClient, logger))

	notifier := notifications.NewManager(notifications.DefaultQueueSize, logger)
	if cfg.Notifications.SNS != nil {
		severity, err := cfg.Notifications.SNS.SNSMinSeverity()
		if err != nil {
			return nil, err
		}
		notifier.RegisterProvider(notifications.NewSNSProvider(snsClient, cfg.Notifications.SNS.TopicARN, severity))
	}
	for _, webhook := range cfg.Notifications.Webhooks {
		provider, err := notifications.NewWebhookProvider(webhook.WebhookProviderConfig())
		if err != nil {
			return nil, err
		}
		notifier.RegisterProvider(provider)
	}
	notifier.Start(ctx)

	metricsServer := health.NewMetricsServer(cfg.MetricsServerConfig())
	if err := metricsServer.Start(); err != nil {
		return nil, fmt.Errorf("start metrics server: %w", err)
	}

	guard := tenant.NewGuard(credentials, attempts, logger)
	backups := backup.NewManager(backupStore, registry, sink, notifier, logger)

	eng := engine.New(credentials, attempts, registry, guard, backups, sink, notifier,
		health.NewRotationMetrics(), logger, engine.Options{
			Policy: engine.Policy{
				MaxAttempts:    cfg.Engine.MaxAttempts,
				Backoff:        engine.ExponentialBackoff(time.Second),
				AttemptTimeout: cfg.Engine.AttemptTimeout(),
			},
			Concurrency:      cfg.Engine.Concurrency,
			DueThresholdDays: cfg.Engine.DueThresholdDays,
			Reloader:         reload.NewECSReloader(ecsClient, logger),
		})

	return &App{
		Config:        cfg,
		Logger:        logger,
		Credentials:   credentials,
		Attempts:      attempts,
		Sink:          sink,
		Guard:         guard,
		Backups:       backups,
		BackupStore:   backupStore,
		Notifier:      notifier,
		Engine:        eng,
		Scanner:       discovery.NewScanner(iamClient, credentials, guard, sink, logger),
		MetricsServer: metricsServer,
	}, nil
}
