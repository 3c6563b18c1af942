package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/raaihank/phi-sentinel/internal/config"
	"github.com/raaihank/phi-sentinel/internal/core"
	"github.com/raaihank/phi-sentinel/internal/logger"
	"github.com/raaihank/phi-sentinel/internal/protect"
)

const entryColumns = 13

const schema = `
	CREATE TABLE IF NOT EXISTS protection_audit (
		id          BIGSERIAL PRIMARY KEY,
		request_id  TEXT NOT NULL DEFAULT '',
		context     TEXT NOT NULL,
		role        TEXT NOT NULL DEFAULT '',
		mode        TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		start_pos   INTEGER NOT NULL,
		end_pos     INTEGER NOT NULL,
		confidence  DOUBLE PRECISION NOT NULL,
		strategy    TEXT NOT NULL,
		reversible  BOOLEAN NOT NULL,
		failed      BOOLEAN NOT NULL DEFAULT FALSE,
		value_hash  CHAR(64) NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_protection_audit_request ON protection_audit (request_id);
	CREATE INDEX IF NOT EXISTS idx_protection_audit_created ON protection_audit (created_at)`

// PostgresRecorder writes audit entries to PostgreSQL
type PostgresRecorder struct {
	db     *sqlx.DB
	logger *logger.Logger
}

// FromConfig maps the audit configuration section.
func FromConfig(cfg config.AuditConfig) Config {
	return Config{
		DatabaseURL:     cfg.DatabaseURL,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	}
}

// NewPostgresRecorder connects, configures the pool and creates the audit
// table if needed.
func NewPostgresRecorder(cfg Config, log *logger.Logger) (*PostgresRecorder, error) {
	if cfg.DatabaseURL == "" {
		return nil, core.ConfigurationErr("audit.database_url is required when audit is enabled", nil)
	}
	if log == nil {
		log = logger.NewNop()
	}

	db, err := sqlx.Connect("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to audit database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	r := &PostgresRecorder{db: db, logger: log.WithComponent("audit")}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create audit schema: %w", err)
	}

	r.logger.Info("Audit store initialized",
		zap.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
		zap.Int("max_open_conns", cfg.MaxOpenConns),
		zap.Int("max_idle_conns", cfg.MaxIdleConns))

	return r, nil
}

// Entries flattens a protect call into one entry per entity.
func Entries(rec protect.AuditRecord) []Entry {
	entries := make([]Entry, 0, len(rec.Entities))
	for _, e := range rec.Entities {
		entries = append(entries, Entry{
			RequestID:  rec.RequestID,
			Context:    rec.Context,
			Role:       rec.Role,
			Mode:       rec.Mode.String(),
			EntityType: e.Kind.String(),
			StartPos:   e.Start,
			EndPos:     e.End,
			Confidence: e.Confidence,
			Strategy:   e.Strategy.String(),
			Reversible: e.Reversible,
			Failed:     e.Failed,
			ValueHash:  e.ValueHash,
			CreatedAt:  rec.At,
		})
	}
	return entries
}

// Record implements protect.Recorder.
func (r *PostgresRecorder) Record(ctx context.Context, rec protect.AuditRecord) error {
	entries := Entries(rec)
	if len(entries) == 0 {
		return nil
	}

	query, args := insertQuery(entries)
	start := time.Now()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.Error("Audit insert failed",
			zap.String("request_id", rec.RequestID),
			zap.Int("entities", len(entries)),
			zap.Error(err))
		return fmt.Errorf("audit insert failed: %w", err)
	}

	r.logger.Debug("Audit entries written",
		zap.String("request_id", rec.RequestID),
		zap.Int("entities", len(entries)),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// insertQuery builds one multi-row insert for entries.
func insertQuery(entries []Entry) (string, []interface{}) {
	valueStrings := make([]string, 0, len(entries))
	args := make([]interface{}, 0, len(entries)*entryColumns)

	for i, e := range entries {
		placeholders := make([]string, entryColumns)
		for j := range placeholders {
			placeholders[j] = fmt.Sprintf("$%d", i*entryColumns+j+1)
		}
		valueStrings = append(valueStrings, "("+strings.Join(placeholders, ", ")+")")

		createdAt := e.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		args = append(args,
			e.RequestID,
			e.Context,
			e.Role,
			e.Mode,
			e.EntityType,
			e.StartPos,
			e.EndPos,
			e.Confidence,
			e.Strategy,
			e.Reversible,
			e.Failed,
			e.ValueHash,
			createdAt,
		)
	}

	query := fmt.Sprintf(`
		INSERT INTO protection_audit
			(request_id, context, role, mode, entity_type, start_pos, end_pos,
			 confidence, strategy, reversible, failed, value_hash, created_at)
		VALUES %s`, strings.Join(valueStrings, ","))
	return query, args
}

// ByRequest returns the entries of one request in offset order.
func (r *PostgresRecorder) ByRequest(ctx context.Context, requestID string) ([]Entry, error) {
	var entries []Entry
	query := `
		SELECT id, request_id, context, role, mode, entity_type, start_pos, end_pos,
			confidence, strategy, reversible, failed, value_hash, created_at
		FROM protection_audit
		WHERE request_id = $1
		ORDER BY start_pos`
	if err := r.db.SelectContext(ctx, &entries, query, requestID); err != nil {
		return nil, fmt.Errorf("failed to load audit entries: %w", err)
	}
	return entries, nil
}

// GetStats returns entity counts per kind
func (r *PostgresRecorder) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{ByKind: make(map[string]int64)}

	rows, err := r.db.QueryxContext(ctx, `
		SELECT entity_type, COUNT(*) AS total,
			COUNT(CASE WHEN failed THEN 1 END) AS failed
		FROM protection_audit
		GROUP BY entity_type`)
	if err != nil {
		return nil, fmt.Errorf("failed to get audit stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var kind string
		var total, failed int64
		if err := rows.Scan(&kind, &total, &failed); err != nil {
			r.logger.Error("Failed to scan audit stats row", zap.Error(err))
			continue
		}
		stats.ByKind[kind] = total
		stats.TotalEntities += total
		stats.Failed += failed
	}
	return stats, rows.Err()
}

// Close closes the database connection
func (r *PostgresRecorder) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// NopRecorder discards everything. Used when audit is disabled.
type NopRecorder struct{}

// Record implements protect.Recorder.
func (NopRecorder) Record(context.Context, protect.AuditRecord) error { return nil }

// maskDatabaseURL hides the password of a postgres URL for logging.
func maskDatabaseURL(url string) string {
	at := strings.LastIndex(url, "@")
	if at < 0 {
		return url
	}
	userPart := url[:at]
	scheme := ""
	if i := strings.Index(userPart, "://"); i >= 0 {
		scheme, userPart = userPart[:i+3], userPart[i+3:]
	}
	if colon := strings.Index(userPart, ":"); colon >= 0 {
		userPart = userPart[:colon+1] + "***"
	}
	return scheme + userPart + url[at:]
}
