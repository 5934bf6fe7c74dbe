package rules

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"dedupe/internal/dedupeerr"
	"dedupe/internal/detection"
	"dedupe/internal/similarity"
	"dedupe/internal/storage"
)

const ruleColumns = `id, repository_id, name, method, threshold, config_json, enabled, blocking, priority, created_at, updated_at`

// Store persists detection rules.
type Store struct {
	q storage.Querier
}

// New returns a Store bound to the database handle.
func New(db storage.Querier) *Store {
	return &Store{q: db}
}

func scanRule(scanner interface{ Scan(dest ...any) error }) (*Rule, error) {
	var (
		rule         Rule
		repositoryID sql.NullInt64
		method       string
		configJSON   sql.NullString
		createdRaw   string
		updatedRaw   string
	)
	if err := scanner.Scan(
		&rule.ID,
		&repositoryID,
		&rule.Name,
		&method,
		&rule.Threshold,
		&configJSON,
		&rule.Enabled,
		&rule.Blocking,
		&rule.Priority,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}
	rule.RepositoryID = storage.Int64FromNull(repositoryID)
	rule.Method = detection.Method(method)
	if configJSON.Valid && configJSON.String != "" {
		if err := json.Unmarshal([]byte(configJSON.String), &rule.Config); err != nil {
			return nil, fmt.Errorf("rule %d config: %w", rule.ID, err)
		}
	}
	if t, err := storage.ParseTime(createdRaw); err == nil {
		rule.CreatedAt = t
	}
	if t, err := storage.ParseTime(updatedRaw); err == nil {
		rule.UpdatedAt = t
	}
	return &rule, nil
}

// normalize validates rule and fills canonical values in place.
func normalize(rule *Rule) error {
	rule.Name = strings.TrimSpace(rule.Name)
	if rule.Name == "" {
		return dedupeerr.Validation("rules", "rule name is required")
	}
	method, ok := detection.ParseMethod(string(rule.Method))
	if !ok {
		return dedupeerr.Validation("rules", fmt.Sprintf("unknown detection method %q", rule.Method))
	}
	rule.Method = method
	if rule.Threshold < 0 || rule.Threshold > 1 {
		return dedupeerr.Validation("rules", fmt.Sprintf("threshold must be within [0,1], got %v", rule.Threshold))
	}
	if rule.RepositoryID != nil && *rule.RepositoryID <= 0 {
		return dedupeerr.Validation("rules", "repository id must be positive")
	}
	if rule.Config.MinLength < 0 {
		return dedupeerr.Validation("rules", "min_length must be non-negative")
	}
	if rule.Config.Algorithm != "" {
		algorithm, ok := similarity.ParseAlgorithm(rule.Config.Algorithm)
		if !ok {
			return dedupeerr.Validation("rules", fmt.Sprintf("unsupported title algorithm %q", rule.Config.Algorithm))
		}
		rule.Config.Algorithm = algorithm
	}
	return nil
}

func encodeConfig(cfg Config) (any, error) {
	if cfg == (Config{}) {
		return nil, nil
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode rule config: %w", err)
	}
	return string(payload), nil
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

// Create validates and stores a new rule.
func (s *Store) Create(ctx context.Context, rule Rule) (*Rule, error) {
	if err := normalize(&rule); err != nil {
		return nil, err
	}
	config, err := encodeConfig(rule.Config)
	if err != nil {
		return nil, err
	}
	now := storage.FormatTime(storage.Now())
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO detection_rules (
            repository_id, name, method, threshold, config_json, enabled, blocking, priority, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		storage.NullableInt64(rule.RepositoryID),
		rule.Name,
		string(rule.Method),
		rule.Threshold,
		config,
		boolInt(rule.Enabled),
		boolInt(rule.Blocking),
		rule.Priority,
		now,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert rule: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("insert rule: %w", err)
	}
	return s.Get(ctx, id)
}

// Update replaces every editable field of an existing rule.
func (s *Store) Update(ctx context.Context, rule Rule) (*Rule, error) {
	if err := normalize(&rule); err != nil {
		return nil, err
	}
	config, err := encodeConfig(rule.Config)
	if err != nil {
		return nil, err
	}
	res, err := s.q.ExecContext(ctx,
		`UPDATE detection_rules
         SET repository_id = ?, name = ?, method = ?, threshold = ?, config_json = ?,
             enabled = ?, blocking = ?, priority = ?, updated_at = ?
         WHERE id = ?`,
		storage.NullableInt64(rule.RepositoryID),
		rule.Name,
		string(rule.Method),
		rule.Threshold,
		config,
		boolInt(rule.Enabled),
		boolInt(rule.Blocking),
		rule.Priority,
		storage.FormatTime(storage.Now()),
		rule.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("update rule %d: %w", rule.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, dedupeerr.NotFound("rules", fmt.Sprintf("rule %d not found", rule.ID))
	}
	return s.Get(ctx, rule.ID)
}

// Delete removes a rule. Detections it produced are kept.
func (s *Store) Delete(ctx context.Context, id int64) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM detection_rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete rule %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return dedupeerr.NotFound("rules", fmt.Sprintf("rule %d not found", id))
	}
	return nil
}

// Get returns one rule.
func (s *Store) Get(ctx context.Context, id int64) (*Rule, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM detection_rules WHERE id = ?`, id)
	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, dedupeerr.NotFound("rules", fmt.Sprintf("rule %d not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("get rule %d: %w", id, err)
	}
	return rule, nil
}

// List returns every rule in evaluation order.
func (s *Store) List(ctx context.Context) ([]Rule, error) {
	return s.query(ctx, `SELECT `+ruleColumns+` FROM detection_rules ORDER BY priority DESC, id`)
}

// Enabled returns the enabled rules of every repository in evaluation order.
func (s *Store) Enabled(ctx context.Context) ([]Rule, error) {
	return s.query(ctx, `SELECT `+ruleColumns+` FROM detection_rules WHERE enabled = 1 ORDER BY priority DESC, id`)
}

// Active returns the enabled rules covering repositoryID: global rules plus
// those scoped to it. A nil repository yields only global rules.
func (s *Store) Active(ctx context.Context, repositoryID *int64) ([]Rule, error) {
	if repositoryID == nil {
		return s.query(ctx, `SELECT `+ruleColumns+` FROM detection_rules
            WHERE enabled = 1 AND repository_id IS NULL ORDER BY priority DESC, id`)
	}
	return s.query(ctx, `SELECT `+ruleColumns+` FROM detection_rules
        WHERE enabled = 1 AND (repository_id IS NULL OR repository_id = ?) ORDER BY priority DESC, id`, *repositoryID)
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]Rule, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var out []Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rule)
	}
	return out, rows.Err()
}
