package graph

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/seralabs/researchmem/internal/apptype"
	"github.com/seralabs/researchmem/internal/metrics"
)

func validateRelationship(rel *apptype.Relationship) error {
	if strings.TrimSpace(rel.SourceID) == "" {
		return apptype.NewValidationError("source_id", "must be a non-empty string")
	}
	if strings.TrimSpace(rel.TargetID) == "" {
		return apptype.NewValidationError("target_id", "must be a non-empty string")
	}
	if strings.TrimSpace(rel.RelationType) == "" {
		return apptype.NewValidationError("relation_type", "must be a non-empty string")
	}
	if rel.Confidence < 0 || rel.Confidence > 1 {
		return apptype.NewValidationError("confidence", fmt.Sprintf("must be in [0, 1], got %g", rel.Confidence))
	}
	return nil
}

// AddRelationship stores a directed relationship. Both endpoints must
// already exist; self-loops are rejected unless the store allows them.
// Structural violations are rejected before any mutation.
func (s *Store) AddRelationship(ctx context.Context, rel apptype.Relationship) (string, error) {
	done := metrics.TimeOp("graph_add_relationship")
	success := false
	defer func() { done(success) }()

	if err := validateRelationship(&rel); err != nil {
		return "", err
	}
	if rel.SourceID == rel.TargetID && !s.config.AllowSelfLoops {
		return "", apptype.NewValidationError("target_id", "self-loops are not allowed")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	rows, err := s.db.QueryContext(ctx, "SELECT id FROM entities WHERE id IN (?, ?)", rel.SourceID, rel.TargetID)
	if err != nil {
		return "", apptype.NewBackingStoreError("add_relationship", err)
	}
	found := make(map[string]bool, 2)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err == nil {
			found[id] = true
		}
	}
	rows.Close()

	missing := make([]string, 0, 2)
	if !found[rel.SourceID] {
		missing = append(missing, rel.SourceID)
	}
	if !found[rel.TargetID] && rel.TargetID != rel.SourceID {
		missing = append(missing, rel.TargetID)
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("relationship endpoints missing: %s: %w", strings.Join(missing, ", "), apptype.ErrNotFound)
	}

	id := rel.ID
	if id == "" {
		id = s.newID()
	}
	props := rel.Properties
	if props == nil {
		props = map[string]any{}
	}
	propsJSON, err := json.Marshal(props)
	if err != nil {
		return "", apptype.NewValidationError("properties", fmt.Sprintf("not serializable: %v", err))
	}
	created := rel.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO relationships (id, source_id, target_id, relation_type, properties, confidence, created_at, created_by)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, rel.SourceID, rel.TargetID, rel.RelationType, string(propsJSON),
		rel.Confidence, created.Format(time.RFC3339Nano), rel.CreatedBy)
	if err != nil {
		return "", apptype.NewBackingStoreError("add_relationship", err)
	}

	success = true
	return id, nil
}

// DeleteRelationship removes a single relationship by id.
func (s *Store) DeleteRelationship(ctx context.Context, id string) error {
	done := metrics.TimeOp("graph_delete_relationship")
	success := false
	defer func() { done(success) }()

	result, err := s.db.ExecContext(ctx, "DELETE FROM relationships WHERE id = ?", id)
	if err != nil {
		return apptype.NewBackingStoreError("delete_relationship", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return apptype.NewBackingStoreError("delete_relationship", err)
	}
	if affected == 0 {
		return fmt.Errorf("relationship %s: %w", id, apptype.ErrNotFound)
	}
	success = true
	return nil
}

// relationshipsTouching returns every edge where any of ids appears on the
// side(s) selected by direction, optionally filtered by relation type.
func (s *Store) relationshipsTouching(ctx context.Context, ids []string, relType string, direction apptype.Direction) ([]apptype.Relationship, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]

	var cond string
	args := make([]any, 0, len(ids)*2+1)
	switch direction {
	case apptype.DirectionOutgoing:
		cond = fmt.Sprintf("source_id IN (%s)", placeholders)
		for _, id := range ids {
			args = append(args, id)
		}
	case apptype.DirectionIncoming:
		cond = fmt.Sprintf("target_id IN (%s)", placeholders)
		for _, id := range ids {
			args = append(args, id)
		}
	case apptype.DirectionBoth:
		cond = fmt.Sprintf("source_id IN (%s) OR target_id IN (%s)", placeholders, placeholders)
		for _, id := range ids {
			args = append(args, id)
		}
		for _, id := range ids {
			args = append(args, id)
		}
	default:
		return nil, apptype.NewValidationError("direction", fmt.Sprintf("unknown direction %q", direction))
	}

	query := fmt.Sprintf(`SELECT id, source_id, target_id, relation_type, properties, confidence, created_at, created_by
	                      FROM relationships WHERE (%s)`, cond)
	if relType != "" {
		query += " AND relation_type = ?"
		args = append(args, relType)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apptype.NewBackingStoreError("query_relationships", err)
	}
	defer rows.Close()

	var rels []apptype.Relationship
	for rows.Next() {
		rel, err := scanRelationship(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan relationship: %w", err)
		}
		rels = append(rels, *rel)
	}
	return rels, rows.Err()
}

func scanRelationship(rows *sql.Rows) (*apptype.Relationship, error) {
	var (
		rel       apptype.Relationship
		propsJSON string
		createdAt string
	)
	if err := rows.Scan(&rel.ID, &rel.SourceID, &rel.TargetID, &rel.RelationType,
		&propsJSON, &rel.Confidence, &createdAt, &rel.CreatedBy); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(propsJSON), &rel.Properties); err != nil {
		return nil, fmt.Errorf("corrupt properties for relationship %s: %w", rel.ID, err)
	}
	rel.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &rel, nil
}
