// Package postgres — хранилище журнала аудита.
// Запись батчевая, одним multi-row INSERT; сам INSERT прикрыт circuit
// breaker'ом: упавшая база быстро переводит аудит в режим потерь вместо
// накопления висящих коннектов.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx как database/sql драйвер
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/xela07ax/browsergate/internal/audit"
)

// Open подключается к Postgres и проверяет связь
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return db, nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS audit_events (
    id          UUID PRIMARY KEY,
    ts          TIMESTAMPTZ NOT NULL,
    tool        TEXT NOT NULL,
    stage       TEXT NOT NULL DEFAULT '',
    success     BOOLEAN NOT NULL,
    error_kind  TEXT NOT NULL DEFAULT '',
    error       TEXT NOT NULL DEFAULT '',
    domain      TEXT NOT NULL DEFAULT '',
    request_id  TEXT NOT NULL DEFAULT '',
    risk_level  TEXT NOT NULL DEFAULT '',
    args        JSONB
);
CREATE INDEX IF NOT EXISTS idx_audit_events_ts ON audit_events (ts DESC);
CREATE INDEX IF NOT EXISTS idx_audit_events_tool ON audit_events (tool);
`

// AuditRepo реализация audit.Store поверх Postgres
type AuditRepo struct {
	db      *sql.DB
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

func NewAuditRepo(db *sql.DB, logger *zap.Logger) *AuditRepo {
	log := logger.Named("audit-repo")
	return &AuditRepo{
		db: db,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "audit-postgres",
			MaxRequests: 3,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn("circuit breaker state changed",
					zap.String("name", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		}),
		logger: log,
	}
}

// EnsureSchema создает таблицу журнала, если её еще нет
func (r *AuditRepo) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("postgres: ensure audit schema: %w", err)
	}
	return nil
}

// WriteBatch пишет батч одним multi-row INSERT через circuit breaker
func (r *AuditRepo) WriteBatch(ctx context.Context, events []audit.Event) error {
	if len(events) == 0 {
		return nil
	}

	const cols = 11
	var sb strings.Builder
	sb.WriteString(`INSERT INTO audit_events
		(id, ts, tool, stage, success, error_kind, error, domain, request_id, risk_level, args) VALUES `)

	args := make([]any, 0, len(events)*cols)
	for i, ev := range events {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * cols
		sb.WriteString("(")
		for j := 1; j <= cols; j++ {
			if j > 1 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", base+j)
		}
		sb.WriteString(")")

		var argsJSON []byte
		if ev.Args != nil {
			argsJSON, _ = json.Marshal(ev.Args)
		}
		args = append(args,
			ev.ID, ev.Timestamp, ev.Tool, ev.Stage, ev.Success,
			ev.ErrorKind, ev.Error, ev.Domain, ev.RequestID, ev.RiskLevel, argsJSON)
	}

	_, err := r.breaker.Execute(func() (any, error) {
		_, execErr := r.db.ExecContext(ctx, sb.String(), args...)
		return nil, execErr
	})
	if err != nil {
		return fmt.Errorf("postgres: write audit batch of %d: %w", len(events), err)
	}
	return nil
}

// Recent последние события для консоли, новые сверху
func (r *AuditRepo) Recent(ctx context.Context, limit int) ([]audit.Event, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, ts, tool, stage, success, error_kind, error, domain, request_id, risk_level, args
		FROM audit_events ORDER BY ts DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: query recent audit events: %w", err)
	}
	defer rows.Close()

	var out []audit.Event
	for rows.Next() {
		var ev audit.Event
		var argsJSON []byte
		if err := rows.Scan(&ev.ID, &ev.Timestamp, &ev.Tool, &ev.Stage, &ev.Success,
			&ev.ErrorKind, &ev.Error, &ev.Domain, &ev.RequestID, &ev.RiskLevel, &argsJSON); err != nil {
			return nil, fmt.Errorf("postgres: scan audit event: %w", err)
		}
		if len(argsJSON) > 0 {
			_ = json.Unmarshal(argsJSON, &ev.Args)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
