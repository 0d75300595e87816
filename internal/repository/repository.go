// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = domain.ErrNotFound
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New opens the configured database, applies the pool settings and
// creates the schema.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	db, err := open(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{db: db, driver: cfg.Driver}
	if err := repo.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return repo, nil
}

// migrate applies every schema statement in one transaction.
func (r *SQLRepository) migrate(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for i, schema := range AllSchemas() {
		if _, err := tx.ExecContext(ctx, schema); err != nil {
			return fmt.Errorf("schema %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// SaveRuleDocument creates or replaces the rule document of a tenant/module.
func (r *SQLRepository) SaveRuleDocument(ctx context.Context, tenantID string, module string, doc *domain.RuleDocument) error {
	if tenantID == "" || module == "" {
		return fmt.Errorf("%w: tenantID and module are required", ErrInvalidInput)
	}
	if doc == nil {
		return fmt.Errorf("%w: document is required", ErrInvalidInput)
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode rule document: %w", err)
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO rule_documents (
			tenant_id, module_code, document, rule_count, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, module_code) DO UPDATE SET
			document = excluded.document,
			rule_count = excluded.rule_count,
			updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		tenantID, module, string(body), len(doc.FraudRules), now, now,
	)
	return err
}

// GetRuleDocument retrieves the rule document of a tenant/module.
func (r *SQLRepository) GetRuleDocument(ctx context.Context, tenantID string, module string) (*domain.RuleDocument, error) {
	if tenantID == "" || module == "" {
		return nil, fmt.Errorf("%w: tenantID and module are required", ErrInvalidInput)
	}

	query := `
		SELECT document
		FROM rule_documents
		WHERE tenant_id = ? AND module_code = ?
	`

	var body string
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, module).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var doc domain.RuleDocument
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return nil, fmt.Errorf("failed to parse rule document %s/%s: %w", tenantID, module, err)
	}
	return &doc, nil
}

// ListRuleModules returns the module codes that have a document for the tenant.
func (r *SQLRepository) ListRuleModules(ctx context.Context, tenantID string) ([]string, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT module_code
		FROM rule_documents
		WHERE tenant_id = ?
		ORDER BY module_code
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var modules []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		modules = append(modules, m)
	}
	return modules, rows.Err()
}

// SaveEvaluation stores an evaluation result with tenant isolation.
func (r *SQLRepository) SaveEvaluation(ctx context.Context, tenantID string, eval *domain.EvaluationResponse) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if eval == nil || eval.EvaluationID == "" {
		return fmt.Errorf("%w: evaluation id is required", ErrInvalidInput)
	}

	ruleResults, err := json.Marshal(eval.RuleResults)
	if err != nil {
		return fmt.Errorf("failed to encode rule results: %w", err)
	}
	categoryScores, _ := json.Marshal(eval.CategoryScores)
	metadata, _ := json.Marshal(eval.Metadata)

	query := `
		INSERT INTO evaluations (
			id, tenant_id, application_id, module_code, evaluation_type,
			total_score, risk_level, recommendation, evaluated_at,
			rule_results, category_scores, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		eval.EvaluationID, tenantID, eval.ApplicationID, eval.ModuleCode, string(eval.EvaluationType),
		eval.TotalScore, string(eval.RiskLevel), string(eval.Recommendation), eval.EvaluatedAt.UTC(),
		string(ruleResults), string(categoryScores), string(metadata),
	)
	return err
}

const evaluationColumns = `
	id, tenant_id, application_id, module_code, evaluation_type,
	total_score, risk_level, recommendation, evaluated_at,
	rule_results, category_scores, metadata
`

// GetEvaluation retrieves an evaluation by ID with tenant isolation.
func (r *SQLRepository) GetEvaluation(ctx context.Context, tenantID string, evalID string) (*domain.EvaluationResponse, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT ` + evaluationColumns + `
		FROM evaluations
		WHERE tenant_id = ? AND id = ?
	`

	eval, err := scanEvaluation(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, evalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return eval, nil
}

// ListEvaluationsByApplication returns the evaluations of an application, newest first.
func (r *SQLRepository) ListEvaluationsByApplication(ctx context.Context, tenantID string, applicationID string) ([]*domain.EvaluationResponse, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT ` + evaluationColumns + `
		FROM evaluations
		WHERE tenant_id = ? AND application_id = ?
		ORDER BY evaluated_at DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, applicationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var evals []*domain.EvaluationResponse
	for rows.Next() {
		eval, err := scanEvaluation(rows)
		if err != nil {
			return nil, err
		}
		evals = append(evals, eval)
	}
	return evals, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvaluation(row rowScanner) (*domain.EvaluationResponse, error) {
	var eval domain.EvaluationResponse
	var evalType, riskLevel, recommendation string
	var ruleResults, categoryScores, metadata string

	if err := row.Scan(
		&eval.EvaluationID, &eval.TenantID, &eval.ApplicationID, &eval.ModuleCode, &evalType,
		&eval.TotalScore, &riskLevel, &recommendation, &eval.EvaluatedAt,
		&ruleResults, &categoryScores, &metadata,
	); err != nil {
		return nil, err
	}

	eval.EvaluationType = domain.Scope(evalType)
	eval.RiskLevel = domain.RiskLevel(riskLevel)
	eval.Recommendation = domain.Recommendation(recommendation)

	if err := json.Unmarshal([]byte(ruleResults), &eval.RuleResults); err != nil {
		return nil, fmt.Errorf("failed to parse rule results of %s: %w", eval.EvaluationID, err)
	}
	json.Unmarshal([]byte(categoryScores), &eval.CategoryScores)
	json.Unmarshal([]byte(metadata), &eval.Metadata)

	return &eval, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
