package graph

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/seralabs/researchmem/internal/apptype"
	"github.com/seralabs/researchmem/internal/metrics"
)

// QueryRelated expands from the given entity with a breadth-first
// traversal bounded by maxDepth and returns the entities reached. The
// seed entity itself is not included in the result. relType, when
// non-empty, restricts the traversal to edges of that type.
func (s *Store) QueryRelated(ctx context.Context, id string, relType string, direction apptype.Direction, maxDepth int) ([]apptype.Entity, error) {
	done := metrics.TimeOp("graph_query_related")
	success := false
	defer func() { done(success) }()

	if _, err := s.GetEntity(ctx, id, ""); err != nil {
		return nil, err
	}
	if maxDepth <= 0 {
		maxDepth = 1
	}
	if direction == "" {
		direction = apptype.DirectionBoth
	}

	visited := map[string]struct{}{id: {}}
	frontier := []string{id}
	var reached []string

	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		rels, err := s.relationshipsTouching(ctx, frontier, relType, direction)
		if err != nil {
			return nil, err
		}
		var next []string
		for _, rel := range rels {
			for _, neighbor := range neighborsOf(rel, frontier, direction) {
				if _, ok := visited[neighbor]; ok {
					continue
				}
				visited[neighbor] = struct{}{}
				next = append(next, neighbor)
				reached = append(reached, neighbor)
			}
		}
		frontier = next
	}

	entities, err := s.getEntitiesByID(ctx, reached)
	if err != nil {
		return nil, err
	}
	success = true
	return entities, nil
}

// neighborsOf returns the far endpoint(s) of rel relative to the frontier,
// respecting the traversal direction.
func neighborsOf(rel apptype.Relationship, frontier []string, direction apptype.Direction) []string {
	inFrontier := func(id string) bool {
		for _, f := range frontier {
			if f == id {
				return true
			}
		}
		return false
	}

	var out []string
	if (direction == apptype.DirectionOutgoing || direction == apptype.DirectionBoth) && inFrontier(rel.SourceID) {
		out = append(out, rel.TargetID)
	}
	if (direction == apptype.DirectionIncoming || direction == apptype.DirectionBoth) && inFrontier(rel.TargetID) {
		out = append(out, rel.SourceID)
	}
	return out
}

// getEntitiesByID materializes entities for the given ids, preserving the
// caller's order.
func (s *Store) getEntitiesByID(ctx context.Context, ids []string) ([]apptype.Entity, error) {
	if len(ids) == 0 {
		return []apptype.Entity{}, nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	query := fmt.Sprintf(`SELECT id, entity_type, properties, confidence, project, created_at, updated_at, created_by, verified, annotations
	                      FROM entities WHERE id IN (%s)`, placeholders)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apptype.NewBackingStoreError("get_entities", err)
	}
	defer rows.Close()

	byID := make(map[string]apptype.Entity, len(ids))
	for rows.Next() {
		entity, err := scanEntity(rows)
		if err != nil {
			log.Printf("Warning: failed to scan entity row: %v", err)
			continue
		}
		byID[entity.ID] = *entity
	}
	if err := rows.Err(); err != nil {
		return nil, apptype.NewBackingStoreError("get_entities", err)
	}

	entities := make([]apptype.Entity, 0, len(byID))
	for _, id := range ids {
		if e, ok := byID[id]; ok {
			entities = append(entities, e)
		}
	}
	return entities, nil
}
