// Package store is the repository façade (C4): CRUD and batch upsert over
// pages, revisions, files, links, and scrape runs, backed by PostgreSQL
// through pgx. Every exported operation is transactional and idempotent.
package store

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
	"gitlab.com/tozd/go/x"
)

const (
	idleInTransactionSessionTimeout = 30 * time.Second
	statementTimeout                = 60 * time.Second

	applicationName = "wikiarchiver"
)

// Standard PostgreSQL error codes this package reacts to.
// See: https://www.postgresql.org/docs/current/errcodes-appendix.html
const (
	ErrorCodeUniqueViolation      = "23505"
	ErrorCodeDuplicateTable       = "42P07"
	ErrorCodeSerializationFailure = "40001"
	ErrorCodeDeadlockDetected     = "40P01"
)

// See: https://www.postgresql.org/docs/current/runtime-config-client.html#GUC-CLIENT-MIN-MESSAGES
var noticeSeverityToLogLevel = map[string]zerolog.Level{ //nolint:gochecknoglobals
	"DEBUG":   zerolog.DebugLevel,
	"LOG":     zerolog.InfoLevel,
	"INFO":    zerolog.InfoLevel,
	"NOTICE":  zerolog.InfoLevel,
	"WARNING": zerolog.WarnLevel,
}

// InitPostgres connects to databaseURI, registers JSON/JSONB codecs that
// reject unknown fields and avoid HTML-escaping, and sizes the pool from
// the server's own connection limits.
func InitPostgres(ctx context.Context, databaseURI string, logger zerolog.Logger) (*pgxpool.Pool, errors.E) {
	dbconfig, err := pgxpool.ParseConfig(strings.TrimSpace(databaseURI))
	if err != nil {
		return nil, errors.WithStack(err)
	}

	dbconfig.ConnConfig.OnNotice = func(_ *pgconn.PgConn, notice *pgconn.Notice) {
		logger.
			WithLevel(noticeSeverityToLogLevel[notice.SeverityUnlocalized]).
			Fields(ErrorDetails((*pgconn.PgError)(notice))).
			Bool("postgres", true).
			Send()
	}
	dbconfig.AfterConnect = func(_ context.Context, c *pgx.Conn) error {
		c.TypeMap().RegisterType(&pgtype.Type{
			Name: "json", OID: pgtype.JSONOID, Codec: &pgtype.JSONCodec{
				Marshal:   func(v any) ([]byte, error) { return x.MarshalWithoutEscapeHTML(v) },
				Unmarshal: func(data []byte, v any) error { return x.UnmarshalWithoutUnknownFields(data, v) },
			},
		})
		c.TypeMap().RegisterType(&pgtype.Type{
			Name: "jsonb", OID: pgtype.JSONBOID, Codec: &pgtype.JSONBCodec{
				Marshal:   func(v any) ([]byte, error) { return x.MarshalWithoutEscapeHTML(v) },
				Unmarshal: func(data []byte, v any) error { return x.UnmarshalWithoutUnknownFields(data, v) },
			},
		})
		return nil
	}
	dbconfig.ConnConfig.RuntimeParams["application_name"] = applicationName
	dbconfig.ConnConfig.RuntimeParams["idle_in_transaction_session_timeout"] = strconv.FormatInt(idleInTransactionSessionTimeout.Milliseconds(), 10)
	dbconfig.ConnConfig.RuntimeParams["statement_timeout"] = strconv.FormatInt(statementTimeout.Milliseconds(), 10)

	conn, err := pgx.ConnectConfig(ctx, dbconfig.ConnConfig)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer conn.Close(ctx)

	var maxConnectionsStr string
	if err := conn.QueryRow(ctx, `SHOW max_connections`).Scan(&maxConnectionsStr); err != nil {
		return nil, WithPgxError(err)
	}
	maxConnections, err := strconv.Atoi(maxConnectionsStr)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	var reservedConnectionsStr string
	if err := conn.QueryRow(ctx, `SHOW reserved_connections`).Scan(&reservedConnectionsStr); err != nil {
		return nil, WithPgxError(err)
	}
	reservedConnections, err := strconv.Atoi(reservedConnectionsStr)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	if reserved := maxConnections - reservedConnections; reserved > 0 {
		dbconfig.MaxConns = int32(reserved) //nolint:gosec
	}

	logger.Info().
		Str("serverVersion", conn.PgConn().ParameterStatus("server_version")).
		Str("serverEncoding", conn.PgConn().ParameterStatus("server_encoding")).
		Msg("database connection successful")

	dbpool, err := pgxpool.NewWithConfig(ctx, dbconfig)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	context.AfterFunc(ctx, dbpool.Close)

	return dbpool, nil
}

// EnsureSchema creates the archiver's tables and indices if they do not
// already exist.
func EnsureSchema(ctx context.Context, tx pgx.Tx) errors.E {
	_, err := tx.Exec(ctx, schemaDDL)
	if err != nil {
		var pgError *pgconn.PgError
		if errors.As(err, &pgError) && pgError.Code == ErrorCodeDuplicateTable {
			return nil
		}
		return WithPgxError(err)
	}
	return nil
}
