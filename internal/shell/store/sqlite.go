package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/artpar/rollout/internal/core/domain"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// =============================================================================
// SQLiteStore
// =============================================================================

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore creates a new SQLite store and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite3", dsn+"?_foreign_keys=on")
	if err != nil {
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to open database", ErrConnectionFailed)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to ping database", ErrConnectionFailed)
	}

	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// under the concurrent control loops.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", err.Error(), ErrMigrationFailed)
	}

	return &SQLiteStore{db: db}, nil
}

// runMigrations runs database migrations using embedded SQL files.
func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// Deployment Operations
// =============================================================================

// deploymentRow represents a deployment row in the database.
type deploymentRow struct {
	ID                  string  `db:"id"`
	CorrelationID       string  `db:"correlation_id"`
	Status              string  `db:"status"`
	Specification       string  `db:"specification"`
	RollingBack         bool    `db:"rolling_back"`
	RollbackOutcome     string  `db:"rollback_outcome"`
	RemediationRequired bool    `db:"remediation_required"`
	CancelReason        string  `db:"cancel_reason"`
	CurrentStep         string  `db:"current_step"`
	ErrorMessage        string  `db:"error_message"`
	FailedPhase         string  `db:"failed_phase"`
	ActivePhaseDeadline *string `db:"active_phase_deadline"`
	CreatedAt           string  `db:"created_at"`
	UpdatedAt           string  `db:"updated_at"`
	CompletedAt         *string `db:"completed_at"`
}

func (s *SQLiteStore) CreateDeployment(ctx context.Context, d *domain.Deployment) error {
	query := `
		INSERT INTO deployments (
			id, correlation_id, status, specification, rolling_back,
			rollback_outcome, remediation_required, cancel_reason,
			current_step, error_message, failed_phase, active_phase_deadline,
			created_at, updated_at, completed_at
		) VALUES (
			:id, :correlation_id, :status, :specification, :rolling_back,
			:rollback_outcome, :remediation_required, :cancel_reason,
			:current_step, :error_message, :failed_phase, :active_phase_deadline,
			:created_at, :updated_at, :completed_at
		)`

	_, err := s.db.NamedExecContext(ctx, query, deploymentToRow(d))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: deployments.id") {
			return NewStoreError("CreateDeployment", "deployment", d.ID, "deployment with this ID already exists", ErrDuplicateID)
		}
		return NewStoreError("CreateDeployment", "deployment", d.ID, err.Error(), err)
	}
	return nil
}

func (s *SQLiteStore) GetDeployment(ctx context.Context, id string) (*domain.Deployment, error) {
	query := `SELECT * FROM deployments WHERE id = ?`

	var row deploymentRow
	err := s.db.GetContext(ctx, &row, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetDeployment", "deployment", id, "deployment not found", ErrNotFound)
		}
		return nil, NewStoreError("GetDeployment", "deployment", id, err.Error(), err)
	}

	d, err := rowToDeployment(&row)
	if err != nil {
		return nil, err
	}

	records, err := s.ListPhaseRecords(ctx, id)
	if err != nil {
		return nil, err
	}
	d.PhaseHistory = records
	return d, nil
}

func (s *SQLiteStore) UpdateDeployment(ctx context.Context, d *domain.Deployment) error {
	query := `
		UPDATE deployments SET
			status = :status,
			rolling_back = :rolling_back,
			rollback_outcome = :rollback_outcome,
			remediation_required = :remediation_required,
			cancel_reason = :cancel_reason,
			current_step = :current_step,
			error_message = :error_message,
			failed_phase = :failed_phase,
			active_phase_deadline = :active_phase_deadline,
			updated_at = :updated_at,
			completed_at = :completed_at
		WHERE id = :id`

	result, err := s.db.NamedExecContext(ctx, query, deploymentToRow(d))
	if err != nil {
		return NewStoreError("UpdateDeployment", "deployment", d.ID, err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return NewStoreError("UpdateDeployment", "deployment", d.ID, "deployment not found", ErrNotFound)
	}

	return nil
}

func (s *SQLiteStore) ListDeployments(ctx context.Context, opts ListOptions) ([]*domain.Deployment, error) {
	query := `SELECT * FROM deployments`
	var conds []string
	var args []any
	if opts.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(opts.Status))
	}
	if opts.Environment != "" {
		conds = append(conds, "json_extract(specification, '$.environment') = ?")
		args = append(args, opts.Environment)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	var rows []deploymentRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, NewStoreError("ListDeployments", "deployment", "", err.Error(), err)
	}

	deployments := make([]*domain.Deployment, 0, len(rows))
	for i := range rows {
		d, err := rowToDeployment(&rows[i])
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, d)
	}
	return deployments, nil
}

func (s *SQLiteStore) ListActiveDeployments(ctx context.Context) ([]*domain.Deployment, error) {
	query := `SELECT * FROM deployments WHERE status NOT IN (?, ?, ?) ORDER BY created_at ASC`

	var rows []deploymentRow
	err := s.db.SelectContext(ctx, &rows, query,
		string(domain.PhaseCompleted), string(domain.PhaseFailed), string(domain.PhaseCancelled))
	if err != nil {
		return nil, NewStoreError("ListActiveDeployments", "deployment", "", err.Error(), err)
	}

	deployments := make([]*domain.Deployment, 0, len(rows))
	for i := range rows {
		d, err := rowToDeployment(&rows[i])
		if err != nil {
			return nil, err
		}
		records, err := s.ListPhaseRecords(ctx, d.ID)
		if err != nil {
			return nil, err
		}
		d.PhaseHistory = records
		deployments = append(deployments, d)
	}
	return deployments, nil
}

func deploymentToRow(d *domain.Deployment) map[string]any {
	specJSON, _ := json.Marshal(d.Specification)

	var deadline, completedAt *string
	if d.ActivePhaseDeadline != nil {
		v := d.ActivePhaseDeadline.Format(time.RFC3339Nano)
		deadline = &v
	}
	if d.CompletedAt != nil {
		v := d.CompletedAt.Format(time.RFC3339Nano)
		completedAt = &v
	}

	return map[string]any{
		"id":                    d.ID,
		"correlation_id":        d.CorrelationID,
		"status":                string(d.Status),
		"specification":         string(specJSON),
		"rolling_back":          d.RollingBack,
		"rollback_outcome":      d.RollbackOutcome,
		"remediation_required":  d.RemediationRequired,
		"cancel_reason":         string(d.CancelReason),
		"current_step":          d.CurrentStep,
		"error_message":         d.ErrorMessage,
		"failed_phase":          string(d.FailedPhase),
		"active_phase_deadline": deadline,
		"created_at":            d.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":            d.UpdatedAt.Format(time.RFC3339Nano),
		"completed_at":          completedAt,
	}
}

func rowToDeployment(row *deploymentRow) (*domain.Deployment, error) {
	var spec domain.DeploymentSpecification
	if err := json.Unmarshal([]byte(row.Specification), &spec); err != nil {
		return nil, NewStoreError("rowToDeployment", "deployment", row.ID, "failed to parse specification", ErrInvalidData)
	}

	createdAt, err := parseTime(row.CreatedAt)
	if err != nil {
		return nil, NewStoreError("rowToDeployment", "deployment", row.ID, "invalid created_at", ErrInvalidData)
	}
	updatedAt, err := parseTime(row.UpdatedAt)
	if err != nil {
		return nil, NewStoreError("rowToDeployment", "deployment", row.ID, "invalid updated_at", ErrInvalidData)
	}

	d := &domain.Deployment{
		ID:                  row.ID,
		CorrelationID:       row.CorrelationID,
		Status:              domain.Phase(row.Status),
		Specification:       spec,
		RollingBack:         row.RollingBack,
		RollbackOutcome:     row.RollbackOutcome,
		RemediationRequired: row.RemediationRequired,
		CancelReason:        domain.CancelOrigin(row.CancelReason),
		CurrentStep:         row.CurrentStep,
		ErrorMessage:        row.ErrorMessage,
		FailedPhase:         domain.Phase(row.FailedPhase),
		CreatedAt:           createdAt,
		UpdatedAt:           updatedAt,
	}

	if row.ActivePhaseDeadline != nil {
		t, err := parseTime(*row.ActivePhaseDeadline)
		if err != nil {
			return nil, NewStoreError("rowToDeployment", "deployment", row.ID, "invalid active_phase_deadline", ErrInvalidData)
		}
		d.ActivePhaseDeadline = &t
	}
	if row.CompletedAt != nil {
		t, err := parseTime(*row.CompletedAt)
		if err != nil {
			return nil, NewStoreError("rowToDeployment", "deployment", row.ID, "invalid completed_at", ErrInvalidData)
		}
		d.CompletedAt = &t
	}

	return d, nil
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Parse(time.RFC3339, s)
	}
	return t, nil
}

// =============================================================================
// Phase Record Operations
// =============================================================================

// phaseRecordRow represents a phase history row in the database.
type phaseRecordRow struct {
	ID           int64  `db:"id"`
	DeploymentID string `db:"deployment_id"`
	Phase        string `db:"phase"`
	Outcome      string `db:"outcome"`
	Attempts     int    `db:"attempts"`
	Error        string `db:"error"`
	Artifacts    string `db:"artifacts"`
	RecordedAt   string `db:"recorded_at"`
}

func (s *SQLiteStore) AppendPhaseRecord(ctx context.Context, deploymentID string, rec domain.PhaseRecord) error {
	artifactsJSON, err := json.Marshal(rec.Artifacts)
	if err != nil {
		return NewStoreError("AppendPhaseRecord", "phase_record", deploymentID, "failed to serialize artifacts", ErrInvalidData)
	}

	query := `
		INSERT INTO phase_records (
			deployment_id, phase, outcome, attempts, error, artifacts, recorded_at
		) VALUES (
			:deployment_id, :phase, :outcome, :attempts, :error, :artifacts, :recorded_at
		)`

	_, err = s.db.NamedExecContext(ctx, query, map[string]any{
		"deployment_id": deploymentID,
		"phase":         string(rec.Phase),
		"outcome":       string(rec.Outcome),
		"attempts":      rec.Attempts,
		"error":         rec.Error,
		"artifacts":     string(artifactsJSON),
		"recorded_at":   rec.Timestamp.Format(time.RFC3339Nano),
	})
	if err != nil {
		return NewStoreError("AppendPhaseRecord", "phase_record", deploymentID, err.Error(), err)
	}
	return nil
}

func (s *SQLiteStore) ListPhaseRecords(ctx context.Context, deploymentID string) ([]domain.PhaseRecord, error) {
	query := `SELECT * FROM phase_records WHERE deployment_id = ? ORDER BY id ASC`

	var rows []phaseRecordRow
	if err := s.db.SelectContext(ctx, &rows, query, deploymentID); err != nil {
		return nil, NewStoreError("ListPhaseRecords", "phase_record", deploymentID, err.Error(), err)
	}

	records := make([]domain.PhaseRecord, 0, len(rows))
	for _, row := range rows {
		var artifacts map[string]string
		if err := json.Unmarshal([]byte(row.Artifacts), &artifacts); err != nil {
			return nil, NewStoreError("ListPhaseRecords", "phase_record", deploymentID, "failed to parse artifacts", ErrInvalidData)
		}
		recordedAt, err := parseTime(row.RecordedAt)
		if err != nil {
			return nil, NewStoreError("ListPhaseRecords", "phase_record", deploymentID, "invalid recorded_at", ErrInvalidData)
		}
		records = append(records, domain.PhaseRecord{
			Phase:     domain.Phase(row.Phase),
			Outcome:   domain.Outcome(row.Outcome),
			Attempts:  row.Attempts,
			Error:     row.Error,
			Artifacts: artifacts,
			Timestamp: recordedAt,
		})
	}
	return records, nil
}

// =============================================================================
// Event Journal Operations
// =============================================================================

// eventRow represents an event row in the database.
type eventRow struct {
	ID            int64  `db:"id"`
	Type          string `db:"type"`
	DeploymentID  string `db:"deployment_id"`
	CorrelationID string `db:"correlation_id"`
	Phase         string `db:"phase"`
	Attempt       int    `db:"attempt"`
	Component     string `db:"component"`
	Service       string `db:"service"`
	Status        string `db:"status"`
	Retryable     bool   `db:"retryable"`
	Error         string `db:"error"`
	Payload       string `db:"payload"`
	Source        string `db:"source"`
	CreatedAt     string `db:"created_at"`
}

func (s *SQLiteStore) CreateEvent(ctx context.Context, ev domain.DeploymentEvent) error {
	payloadJSON, err := json.Marshal(ev.Payload)
	if err != nil {
		return NewStoreError("CreateEvent", "event", ev.DeploymentID, "failed to serialize payload", ErrInvalidData)
	}

	query := `
		INSERT INTO events (
			type, deployment_id, correlation_id, phase, attempt, component,
			service, status, retryable, error, payload, source, created_at
		) VALUES (
			:type, :deployment_id, :correlation_id, :phase, :attempt, :component,
			:service, :status, :retryable, :error, :payload, :source, :created_at
		)`

	_, err = s.db.NamedExecContext(ctx, query, map[string]any{
		"type":           string(ev.Type),
		"deployment_id":  ev.DeploymentID,
		"correlation_id": ev.CorrelationID,
		"phase":          string(ev.Phase),
		"attempt":        ev.Attempt,
		"component":      ev.Component,
		"service":        ev.Service,
		"status":         string(ev.Status),
		"retryable":      ev.Retryable,
		"error":          ev.Error,
		"payload":        string(payloadJSON),
		"source":         ev.Source,
		"created_at":     ev.Timestamp.Format(time.RFC3339Nano),
	})
	if err != nil {
		return NewStoreError("CreateEvent", "event", ev.DeploymentID, err.Error(), err)
	}
	return nil
}

func (s *SQLiteStore) ListEvents(ctx context.Context, deploymentID string) ([]domain.DeploymentEvent, error) {
	query := `SELECT * FROM events WHERE deployment_id = ? ORDER BY id ASC`

	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, query, deploymentID); err != nil {
		return nil, NewStoreError("ListEvents", "event", deploymentID, err.Error(), err)
	}

	events := make([]domain.DeploymentEvent, 0, len(rows))
	for _, row := range rows {
		var payload map[string]string
		if err := json.Unmarshal([]byte(row.Payload), &payload); err != nil {
			return nil, NewStoreError("ListEvents", "event", deploymentID, "failed to parse payload", ErrInvalidData)
		}
		createdAt, err := parseTime(row.CreatedAt)
		if err != nil {
			return nil, NewStoreError("ListEvents", "event", deploymentID, "invalid created_at", ErrInvalidData)
		}
		events = append(events, domain.DeploymentEvent{
			Type:          domain.EventType(row.Type),
			DeploymentID:  row.DeploymentID,
			CorrelationID: row.CorrelationID,
			Phase:         domain.Phase(row.Phase),
			Attempt:       row.Attempt,
			Component:     row.Component,
			Service:       row.Service,
			Status:        domain.EventStatus(row.Status),
			Retryable:     row.Retryable,
			Error:         row.Error,
			Payload:       payload,
			Source:        row.Source,
			Timestamp:     createdAt,
		})
	}
	return events, nil
}
