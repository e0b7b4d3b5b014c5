package identity

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresProvider resolves credentials against the wrapping application's
// credential table (default wren.credentials). The plain credential is never
// stored; lookup is by hash, the same digest HashCredentialHex produces.
type PostgresProvider struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresProviderOption configures PostgresProvider behavior.
type PostgresProviderOption func(*PostgresProvider) error

// WithProviderSchema sets the DB schema used by the provider (default: "wren").
func WithProviderSchema(schema string) PostgresProviderOption {
	return func(p *PostgresProvider) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("identity: empty schema")
		}
		if !identValidRE.MatchString(schema) {
			return errors.New("identity: invalid schema identifier")
		}
		p.schema = schema
		return nil
	}
}

// NewPostgresProvider constructs a credential provider backed by PostgreSQL.
func NewPostgresProvider(pool *pgxpool.Pool, opts ...PostgresProviderOption) (*PostgresProvider, error) {
	p := &PostgresProvider{
		pool:   pool,
		schema: "wren",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	if p.pool == nil {
		return nil, errors.New("identity: nil pool")
	}
	return p, nil
}

// Resolve implements Provider.
func (p *PostgresProvider) Resolve(ctx context.Context, credential string) (Identity, error) {
	if p == nil || p.pool == nil {
		return Identity{}, ErrUnavailable
	}
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return Identity{}, ErrInvalidCredential
	}
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}

	credentials := pgx.Identifier{p.schema, "credentials"}.Sanitize()

	var userID string
	err := p.pool.QueryRow(ctx,
		`SELECT user_id FROM `+credentials+`
		  WHERE credential_hash = $1 AND revoked_at IS NULL`,
		HashCredentialHex(credential),
	).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Identity{}, ErrInvalidCredential
	}
	if err != nil {
		// Connectivity and query failures are retryable; credential failures
		// are not. Keep the two distinguishable.
		return Identity{}, errors.Join(ErrUnavailable, err)
	}
	return Identity{UserID: userID}, nil
}

var identValidRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
