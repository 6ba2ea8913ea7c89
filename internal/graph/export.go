package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/seralabs/researchmem/internal/apptype"
	"github.com/seralabs/researchmem/internal/metrics"
)

// exportFormatVersion tags the serialized graph format. Imports of a
// newer version are rejected rather than parsed best-effort.
const exportFormatVersion = 1

// exportEnvelope is the versioned on-disk graph serialization.
type exportEnvelope struct {
	FormatVersion int                    `json:"format_version"`
	ExportedAt    time.Time              `json:"exported_at"`
	Project       string                 `json:"project,omitempty"`
	Statistics    *apptype.GraphStats    `json:"statistics"`
	Entities      []apptype.Entity       `json:"entities"`
	Relationships []apptype.Relationship `json:"relationships"`
}

// Export serializes the whole graph (optionally restricted to a project)
// to path as versioned JSON.
func (s *Store) Export(ctx context.Context, path, project string) error {
	done := metrics.TimeOp("graph_export")
	success := false
	defer func() { done(success) }()

	entities, err := s.allEntities(ctx, project)
	if err != nil {
		return err
	}
	relationships, err := s.allRelationships(ctx, project)
	if err != nil {
		return err
	}
	stats, err := s.Statistics(ctx, project)
	if err != nil {
		return err
	}

	env := exportEnvelope{
		FormatVersion: exportFormatVersion,
		ExportedAt:    time.Now().UTC(),
		Project:       project,
		Statistics:    stats,
		Entities:      entities,
		Relationships: relationships,
	}

	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize graph export: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return apptype.NewBackingStoreError("export", err)
	}
	success = true
	return nil
}

// Import loads a previously exported graph from path. The file is parsed
// and validated fully in memory before any row is written, so a corrupt
// or future-versioned file leaves the existing graph untouched. When
// clear is true the target project (or the whole graph) is reset first,
// inside the same transaction as the inserts.
func (s *Store) Import(ctx context.Context, path string, clear bool, project string) (int, error) {
	done := metrics.TimeOp("graph_import")
	success := false
	defer func() { done(success) }()

	data, err := os.ReadFile(path)
	if err != nil {
		return 0, apptype.NewBackingStoreError("import", err)
	}

	var env exportEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return 0, apptype.NewValidationError("import", fmt.Sprintf("corrupt export file: %v", err))
	}
	if env.FormatVersion != exportFormatVersion {
		return 0, apptype.NewValidationError("format_version",
			fmt.Sprintf("unknown format version %d (supported: %d)", env.FormatVersion, exportFormatVersion))
	}

	// Validate everything before touching the store.
	ids := make(map[string]struct{}, len(env.Entities))
	for i := range env.Entities {
		e := &env.Entities[i]
		if e.ID == "" {
			return 0, apptype.NewValidationError("import", fmt.Sprintf("entity %d has no id", i))
		}
		if err := validateEntity(e); err != nil {
			return 0, err
		}
		ids[e.ID] = struct{}{}
	}
	for i := range env.Relationships {
		rel := &env.Relationships[i]
		if err := validateRelationship(rel); err != nil {
			return 0, err
		}
		if _, ok := ids[rel.SourceID]; !ok {
			return 0, apptype.NewValidationError("import",
				fmt.Sprintf("relationship %d references unknown source %s", i, rel.SourceID))
		}
		if _, ok := ids[rel.TargetID]; !ok {
			return 0, apptype.NewValidationError("import",
				fmt.Sprintf("relationship %d references unknown target %s", i, rel.TargetID))
		}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, apptype.NewBackingStoreError("import", err)
	}
	defer tx.Rollback()

	if clear {
		if project != "" {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM relationships WHERE source_id IN (SELECT id FROM entities WHERE project = ?)
				  OR target_id IN (SELECT id FROM entities WHERE project = ?)`, project, project); err != nil {
				return 0, apptype.NewBackingStoreError("import", err)
			}
			if _, err := tx.ExecContext(ctx, "DELETE FROM entities WHERE project = ?", project); err != nil {
				return 0, apptype.NewBackingStoreError("import", err)
			}
		} else {
			if _, err := tx.ExecContext(ctx, "DELETE FROM relationships"); err != nil {
				return 0, apptype.NewBackingStoreError("import", err)
			}
			if _, err := tx.ExecContext(ctx, "DELETE FROM entities"); err != nil {
				return 0, apptype.NewBackingStoreError("import", err)
			}
		}
	}

	now := time.Now().UTC()
	imported := 0
	for i := range env.Entities {
		e := &env.Entities[i]
		if project != "" {
			e.Project = project
		}
		propsJSON, annsJSON, err := marshalEntityBlobs(e)
		if err != nil {
			return 0, err
		}
		// Clamp imported timestamps so updated_at never precedes created_at.
		created := e.CreatedAt
		if created.IsZero() || created.After(now) {
			created = now
		}
		updated := e.UpdatedAt
		if updated.Before(created) {
			updated = created
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO entities (id, entity_type, properties, confidence, project, created_at, updated_at, created_by, verified, annotations)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.EntityType, propsJSON, e.Confidence, e.Project,
			created.Format(time.RFC3339Nano), updated.Format(time.RFC3339Nano),
			e.CreatedBy, boolToInt(e.Verified), annsJSON); err != nil {
			return 0, apptype.NewBackingStoreError("import", err)
		}
		imported++
	}

	for i := range env.Relationships {
		rel := &env.Relationships[i]
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
			return 0, apptype.NewValidationError("properties", fmt.Sprintf("not serializable: %v", err))
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO relationships (id, source_id, target_id, relation_type, properties, confidence, created_at, created_by)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			id, rel.SourceID, rel.TargetID, rel.RelationType, string(propsJSON),
			rel.Confidence, rel.CreatedAt.Format(time.RFC3339Nano), rel.CreatedBy); err != nil {
			return 0, apptype.NewBackingStoreError("import", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, apptype.NewBackingStoreError("import", err)
	}
	success = true
	return imported, nil
}

func (s *Store) allEntities(ctx context.Context, project string) ([]apptype.Entity, error) {
	query := `SELECT id, entity_type, properties, confidence, project, created_at, updated_at, created_by, verified, annotations
	          FROM entities`
	var args []any
	if project != "" {
		query += " WHERE project = ?"
		args = append(args, project)
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apptype.NewBackingStoreError("export", err)
	}
	defer rows.Close()

	entities := make([]apptype.Entity, 0)
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entity during export: %w", err)
		}
		entities = append(entities, *e)
	}
	return entities, rows.Err()
}

func (s *Store) allRelationships(ctx context.Context, project string) ([]apptype.Relationship, error) {
	query := `SELECT id, source_id, target_id, relation_type, properties, confidence, created_at, created_by
	          FROM relationships`
	var args []any
	if project != "" {
		query += ` WHERE source_id IN (SELECT id FROM entities WHERE project = ?)
		           AND target_id IN (SELECT id FROM entities WHERE project = ?)`
		args = append(args, project, project)
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apptype.NewBackingStoreError("export", err)
	}
	defer rows.Close()

	rels := make([]apptype.Relationship, 0)
	for rows.Next() {
		rel, err := scanRelationship(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan relationship during export: %w", err)
		}
		rels = append(rels, *rel)
	}
	return rels, rows.Err()
}
