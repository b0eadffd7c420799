package backends

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	// Driver registrations for the default connector.
	_ "github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/vaultpilot/vaultpilot/internal/credential"
	vperrors "github.com/vaultpilot/vaultpilot/internal/errors"
	"github.com/vaultpilot/vaultpilot/internal/logging"
)

// Metadata keys the database backend reads.
const (
	metaDBEngine = "engine" // "postgres" or "mysql"
	metaDBDSN    = "dsn"
	metaDBUser   = "dbUser"
)

// ConnectorFunc opens a database connection for a credential. Injected
// in tests; the default reads engine and dsn from metadata.
type ConnectorFunc func(ctx context.Context, cred credential.Credential) (*sql.DB, error)

// DefaultConnector opens a connection using the credential's engine
// and dsn metadata.
func DefaultConnector(_ context.Context, cred credential.Credential) (*sql.DB, error) {
	engine := cred.Metadata[metaDBEngine]
	dsn := cred.Metadata[metaDBDSN]
	if dsn == "" {
		return nil, vperrors.Permanent("connect database", fmt.Sprintf("credential %s has no dsn metadata", cred.ID), nil)
	}

	switch engine {
	case "postgres":
		return sql.Open("postgres", dsn)
	case "mysql":
		return sql.Open("mysql", dsn)
	default:
		return nil, vperrors.Permanent("connect database", fmt.Sprintf("unsupported database engine %q", engine), nil)
	}
}

// DatabaseBackend rotates database account passwords: it generates a
// new password, applies it with ALTER USER, then persists it to
// Secrets Manager so dependent services can pick it up.
type DatabaseBackend struct {
	connect       ConnectorFunc
	secretsClient SecretsManagerClientAPI
	logger        *logging.Logger
}

// NewDatabaseBackend creates the backend. A nil connector uses
// DefaultConnector.
func NewDatabaseBackend(connect ConnectorFunc, secretsClient SecretsManagerClientAPI, logger *logging.Logger) *DatabaseBackend {
	if connect == nil {
		connect = DefaultConnector
	}
	return &DatabaseBackend{connect: connect, secretsClient: secretsClient, logger: logger}
}

// CurrentValue reads the stored password from Secrets Manager.
func (b *DatabaseBackend) CurrentValue(ctx context.Context, cred credential.Credential) (string, error) {
	return getSecretString(ctx, b.secretsClient, secretNameFor(cred))
}

// Rotate generates a password, applies it to the database account, and
// persists it. Apply-before-persist: a persisted password that was
// never applied would strand every consumer.
func (b *DatabaseBackend) Rotate(ctx context.Context, cred credential.Credential) (*RotationOutcome, error) {
	newPassword, err := NewPassword()
	if err != nil {
		return nil, vperrors.Permanent("generate password", "", err)
	}

	if err := b.applyPassword(ctx, cred, newPassword); err != nil {
		return nil, err
	}

	version, err := putSecretString(ctx, b.secretsClient, secretNameFor(cred), newPassword)
	if err != nil {
		return nil, vperrors.Transient("persist password", err)
	}

	b.logger.Info("rotated database password for %s", logging.Secret(cred.Metadata[metaDBUser]))
	return &RotationOutcome{NewValue: newPassword, Version: version}, nil
}

// Restore reapplies the previous password to the account and writes it
// back to Secrets Manager.
func (b *DatabaseBackend) Restore(ctx context.Context, cred credential.Credential, oldValue string) error {
	if err := b.applyPassword(ctx, cred, oldValue); err != nil {
		return fmt.Errorf("reapply previous password: %w", err)
	}
	if _, err := putSecretString(ctx, b.secretsClient, secretNameFor(cred), oldValue); err != nil {
		return fmt.Errorf("restore password secret: %w", err)
	}
	return nil
}

func (b *DatabaseBackend) applyPassword(ctx context.Context, cred credential.Credential, password string) error {
	user := cred.Metadata[metaDBUser]
	if user == "" {
		return vperrors.Permanent("alter database user", fmt.Sprintf("credential %s has no dbUser metadata", cred.ID), nil)
	}

	db, err := b.connect(ctx, cred)
	if err != nil {
		return vperrors.Transient("connect database", err)
	}
	defer func() { _ = db.Close() }()

	stmt, err := alterUserStatement(cred.Metadata[metaDBEngine], user, password)
	if err != nil {
		return err
	}

	if _, err := db.ExecContext(ctx, stmt); err != nil {
		return vperrors.Transient("alter database user", err)
	}
	return nil
}

// alterUserStatement builds the password change DDL. DDL takes no bind
// parameters, so identifier and literal are quoted explicitly.
func alterUserStatement(engine, user, password string) (string, error) {
	switch engine {
	case "postgres":
		return fmt.Sprintf("ALTER USER %s WITH PASSWORD %s",
			pq.QuoteIdentifier(user), pq.QuoteLiteral(password)), nil
	case "mysql":
		return fmt.Sprintf("ALTER USER %s@'%%' IDENTIFIED BY '%s'",
			quoteMySQLIdentifier(user), escapeMySQLString(password)), nil
	default:
		return "", vperrors.Permanent("alter database user", fmt.Sprintf("unsupported database engine %q", engine), nil)
	}
}

func quoteMySQLIdentifier(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func escapeMySQLString(s string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return replacer.Replace(s)
}
