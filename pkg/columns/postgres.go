// Package columns persists custom-column definitions and their
// dependency edges. It backs the custom-column task's column lookups,
// the orchestrator's catalog, and the dependency graph's edge store.
package columns

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/leadfoundry/enrich/pkg/graph"
	"github.com/leadfoundry/enrich/pkg/models"
)

// ErrColumnNotFound indicates the referenced column does not exist.
var ErrColumnNotFound = errors.New("column not found")

// ErrDependencyCycle rejects an edge that would close a dependency loop.
var ErrDependencyCycle = errors.New("dependency would create a cycle")

// Store reads and writes column definitions in custom_columns and edges
// in column_dependencies.
type Store struct {
	db *sql.DB
}

// NewStore creates the column store over the given handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const columnSelect = `
	SELECT id, entity_type, response_type, response_config, question,
	       description, ai_config, linkedin_activity, active, last_refresh
	FROM custom_columns`

// GetColumn loads one column by ID.
func (s *Store) GetColumn(ctx context.Context, columnID string) (*models.Column, error) {
	row := s.db.QueryRowContext(ctx, columnSelect+` WHERE id = $1`, columnID)
	col, err := scanColumn(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrColumnNotFound, columnID)
	}
	return col, err
}

// ActiveColumns lists the active columns of one entity type.
func (s *Store) ActiveColumns(ctx context.Context, entityType models.EntityKind) ([]*models.Column, error) {
	rows, err := s.db.QueryContext(ctx,
		columnSelect+` WHERE entity_type = $1 AND active ORDER BY id`, string(entityType))
	if err != nil {
		return nil, fmt.Errorf("failed to list active columns: %w", err)
	}
	defer rows.Close()

	var cols []*models.Column
	for rows.Next() {
		col, err := scanColumn(rows)
		if err != nil {
			return nil, err
		}
		cols = append(cols, col)
	}
	return cols, rows.Err()
}

// TouchLastRefresh stamps last_refresh on the given columns.
func (s *Store) TouchLastRefresh(ctx context.Context, columnIDs []string) error {
	if len(columnIDs) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE custom_columns SET last_refresh = NOW(), updated_at = NOW()
		 WHERE id = ANY($1)`, columnIDs)
	if err != nil {
		return fmt.Errorf("failed to touch last_refresh: %w", err)
	}
	return nil
}

// ActiveDependencies returns the active edge set. Implements
// graph.DependencyStore.
func (s *Store) ActiveDependencies(ctx context.Context) ([]graph.Edge, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT dependent_id, required_id FROM column_dependencies WHERE active`)
	if err != nil {
		return nil, fmt.Errorf("failed to load column dependencies: %w", err)
	}
	defer rows.Close()

	var edges []graph.Edge
	for rows.Next() {
		var e graph.Edge
		if err := rows.Scan(&e.DependentID, &e.RequiredID); err != nil {
			return nil, fmt.Errorf("failed to scan dependency edge: %w", err)
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// CreateDependency adds an edge after checking that it keeps the graph
// acyclic. The check and insert are not atomic across pods; the graph's
// cycle fallback during orchestration covers the race.
func (s *Store) CreateDependency(ctx context.Context, dependentID, requiredID string) error {
	edges, err := s.ActiveDependencies(ctx)
	if err != nil {
		return err
	}
	if graph.NewSnapshot(edges).WouldCreateCycle(dependentID, requiredID) {
		return fmt.Errorf("%w: %s -> %s", ErrDependencyCycle, dependentID, requiredID)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO column_dependencies (dependent_id, required_id, active, created_at)
		 VALUES ($1, $2, TRUE, NOW())
		 ON CONFLICT (dependent_id, required_id) DO UPDATE SET active = TRUE`,
		dependentID, requiredID)
	if err != nil {
		return fmt.Errorf("failed to create dependency edge: %w", err)
	}
	return nil
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanColumn(row rowScanner) (*models.Column, error) {
	var (
		col            models.Column
		responseConfig []byte
		description    sql.NullString
		aiConfig       []byte
		lastRefresh    sql.NullTime
	)
	err := row.Scan(&col.ID, &col.EntityType, &col.ResponseType, &responseConfig,
		&col.Question, &description, &aiConfig, &col.LinkedInActivity,
		&col.Active, &lastRefresh)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan column: %w", err)
	}

	col.Description = description.String
	if lastRefresh.Valid {
		col.LastRefresh = &lastRefresh.Time
	}
	if len(responseConfig) > 0 {
		if err := json.Unmarshal(responseConfig, &col.ResponseConfig); err != nil {
			return nil, fmt.Errorf("failed to parse response config for column %s: %w", col.ID, err)
		}
	}
	if len(aiConfig) > 0 {
		if err := json.Unmarshal(aiConfig, &col.AIConfig); err != nil {
			return nil, fmt.Errorf("failed to parse ai config for column %s: %w", col.ID, err)
		}
	}
	return &col, nil
}
