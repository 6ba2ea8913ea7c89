package graph

import (
	"context"
	"log"

	"github.com/seralabs/researchmem/internal/apptype"
	"github.com/seralabs/researchmem/internal/metrics"
)

// Statistics returns entity/relationship counts, broken down by type.
func (s *Store) Statistics(ctx context.Context, project string) (*apptype.GraphStats, error) {
	stats := &apptype.GraphStats{
		EntitiesByType:      make(map[string]int),
		RelationshipsByType: make(map[string]int),
	}

	entQuery := "SELECT entity_type, COUNT(*) FROM entities"
	var entArgs []any
	if project != "" {
		entQuery += " WHERE project = ?"
		entArgs = append(entArgs, project)
	}
	entQuery += " GROUP BY entity_type"

	rows, err := s.db.QueryContext(ctx, entQuery, entArgs...)
	if err != nil {
		return nil, apptype.NewBackingStoreError("statistics", err)
	}
	for rows.Next() {
		var typ string
		var count int
		if err := rows.Scan(&typ, &count); err != nil {
			rows.Close()
			return nil, apptype.NewBackingStoreError("statistics", err)
		}
		stats.EntitiesByType[typ] = count
		stats.EntityCount += count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, apptype.NewBackingStoreError("statistics", err)
	}

	relQuery := "SELECT relation_type, COUNT(*) FROM relationships"
	var relArgs []any
	if project != "" {
		relQuery += ` WHERE source_id IN (SELECT id FROM entities WHERE project = ?)
		              AND target_id IN (SELECT id FROM entities WHERE project = ?)`
		relArgs = append(relArgs, project, project)
	}
	relQuery += " GROUP BY relation_type"

	rows, err = s.db.QueryContext(ctx, relQuery, relArgs...)
	if err != nil {
		return nil, apptype.NewBackingStoreError("statistics", err)
	}
	for rows.Next() {
		var typ string
		var count int
		if err := rows.Scan(&typ, &count); err != nil {
			rows.Close()
			return nil, apptype.NewBackingStoreError("statistics", err)
		}
		stats.RelationshipsByType[typ] = count
		stats.RelationshipCount += count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, apptype.NewBackingStoreError("statistics", err)
	}

	return stats, nil
}

// Reset destroys the graph contents. With an empty project everything is
// wiped. Confirmation is the caller's responsibility: once invoked, the
// reset is performed unconditionally.
func (s *Store) Reset(ctx context.Context, project string) error {
	done := metrics.TimeOp("graph_reset")
	success := false
	defer func() { done(success) }()

	before, err := s.Statistics(ctx, project)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apptype.NewBackingStoreError("reset", err)
	}
	defer tx.Rollback()

	if project != "" {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM relationships WHERE source_id IN (SELECT id FROM entities WHERE project = ?)
			  OR target_id IN (SELECT id FROM entities WHERE project = ?)`, project, project); err != nil {
			return apptype.NewBackingStoreError("reset", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM entities WHERE project = ?", project); err != nil {
			return apptype.NewBackingStoreError("reset", err)
		}
	} else {
		if _, err := tx.ExecContext(ctx, "DELETE FROM relationships"); err != nil {
			return apptype.NewBackingStoreError("reset", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM entities"); err != nil {
			return apptype.NewBackingStoreError("reset", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return apptype.NewBackingStoreError("reset", err)
	}

	after, err := s.Statistics(ctx, project)
	if err != nil {
		return err
	}

	scope := project
	if scope == "" {
		scope = "all projects"
	}
	log.Printf("Warning: graph reset (%s): removed %d entities, %d relationships; %d entities, %d relationships remain",
		scope, before.EntityCount, before.RelationshipCount, after.EntityCount, after.RelationshipCount)
	success = true
	return nil
}
