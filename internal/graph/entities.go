package graph

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/seralabs/researchmem/internal/apptype"
	"github.com/seralabs/researchmem/internal/metrics"
)

// externalIDKeys are the property names treated as external identifiers
// for duplicate detection, in priority order.
var externalIDKeys = []string{"external_id", "doi", "arxiv_id", "pubmed_id", "url"}

// titleKeys are the property names compared fuzzily when no shared
// external identifier exists.
var titleKeys = []string{"title", "name"}

func validateEntity(e *apptype.Entity) error {
	if strings.TrimSpace(e.EntityType) == "" {
		return apptype.NewValidationError("entity_type", "must be a non-empty string")
	}
	if e.Confidence < 0 || e.Confidence > 1 {
		return apptype.NewValidationError("confidence", fmt.Sprintf("must be in [0, 1], got %g", e.Confidence))
	}
	return nil
}

// AddEntity stores a new entity, or merges it into an existing duplicate
// when merge is true. It returns the id of the stored or merged row.
// Duplicate detection: an existing entity of the same type carrying an
// identical external identifier property, or, absent one, a
// case-insensitive near-exact title/name match. With merge disabled a
// detected duplicate fails with apptype.ErrDuplicate and no mutation.
func (s *Store) AddEntity(ctx context.Context, entity apptype.Entity, merge bool) (string, error) {
	done := metrics.TimeOp("graph_add_entity")
	success := false
	defer func() { done(success) }()

	if err := validateEntity(&entity); err != nil {
		return "", err
	}
	if entity.Properties == nil {
		entity.Properties = map[string]any{}
	}

	// One read-then-write critical section: the duplicate scan and the
	// subsequent insert or merge must not interleave with another writer.
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	existing, err := s.findDuplicate(ctx, &entity)
	if err != nil {
		return "", err
	}

	if existing != nil {
		if !merge {
			return "", fmt.Errorf("entity of type %q duplicates %s: %w", entity.EntityType, existing.ID, apptype.ErrDuplicate)
		}
		if err := s.mergeInto(ctx, existing, &entity); err != nil {
			return "", err
		}
		success = true
		return existing.ID, nil
	}

	id := entity.ID
	if id == "" {
		id = s.newID()
	}
	// Clamp future creation times so updated_at never precedes created_at.
	now := time.Now().UTC()
	created := entity.CreatedAt
	if created.IsZero() || created.After(now) {
		created = now
	}

	propsJSON, annsJSON, err := marshalEntityBlobs(&entity)
	if err != nil {
		return "", err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO entities (id, entity_type, properties, confidence, project, created_at, updated_at, created_by, verified, annotations)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, entity.EntityType, propsJSON, entity.Confidence, entity.Project,
		created.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
		entity.CreatedBy, boolToInt(entity.Verified), annsJSON)
	if err != nil {
		return "", apptype.NewBackingStoreError("add_entity", err)
	}

	success = true
	return id, nil
}

// findDuplicate scans entities of the same type (and project) and applies
// the duplicate-detection heuristic. Corpus scale keeps this a bounded
// linear scan.
func (s *Store) findDuplicate(ctx context.Context, entity *apptype.Entity) (*apptype.Entity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, entity_type, properties, confidence, project, created_at, updated_at, created_by, verified, annotations
		 FROM entities WHERE entity_type = ? AND project = ?`,
		entity.EntityType, entity.Project)
	if err != nil {
		return nil, apptype.NewBackingStoreError("find_duplicate", err)
	}
	defer rows.Close()

	incomingIDs := externalIdentifiers(entity.Properties)
	incomingTitle := normalizedTitle(entity.Properties)

	for rows.Next() {
		candidate, err := scanEntity(rows)
		if err != nil {
			log.Printf("Warning: failed to scan entity row during duplicate scan: %v", err)
			continue
		}
		if entity.ID != "" && candidate.ID == entity.ID {
			continue
		}
		candidateIDs := externalIdentifiers(candidate.Properties)
		if matched := matchExternalID(incomingIDs, candidateIDs); matched {
			return candidate, nil
		}
		// Only fall back to fuzzy titles when neither side carries a
		// recognized external identifier for comparison.
		if len(incomingIDs) > 0 && len(candidateIDs) > 0 {
			continue
		}
		if incomingTitle == "" {
			continue
		}
		candidateTitle := normalizedTitle(candidate.Properties)
		if candidateTitle == "" {
			continue
		}
		if incomingTitle == candidateTitle || tokenOverlap(incomingTitle, candidateTitle) >= s.config.FuzzyTitleThreshold {
			return candidate, nil
		}
	}
	if err := rows.Err(); err != nil {
		return nil, apptype.NewBackingStoreError("find_duplicate", err)
	}
	return nil, nil
}

func externalIdentifiers(props map[string]any) map[string]string {
	ids := make(map[string]string)
	for _, key := range externalIDKeys {
		if v, ok := props[key]; ok {
			if str, ok := v.(string); ok && strings.TrimSpace(str) != "" {
				ids[key] = strings.TrimSpace(str)
			}
		}
	}
	return ids
}

func matchExternalID(a, b map[string]string) bool {
	for key, av := range a {
		if bv, ok := b[key]; ok && strings.EqualFold(av, bv) {
			return true
		}
	}
	return false
}

func normalizedTitle(props map[string]any) string {
	for _, key := range titleKeys {
		if v, ok := props[key]; ok {
			if str, ok := v.(string); ok && strings.TrimSpace(str) != "" {
				return strings.Join(strings.Fields(strings.ToLower(str)), " ")
			}
		}
	}
	return ""
}

// tokenOverlap computes the Jaccard ratio of the token sets of two
// normalized strings.
func tokenOverlap(a, b string) float64 {
	setA := make(map[string]struct{})
	for _, tok := range strings.Fields(a) {
		setA[tok] = struct{}{}
	}
	setB := make(map[string]struct{})
	for _, tok := range strings.Fields(b) {
		setB[tok] = struct{}{}
	}
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	inter := 0
	for tok := range setA {
		if _, ok := setB[tok]; ok {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	return float64(inter) / float64(union)
}

// mergeInto folds the incoming entity into the existing row: properties
// are unioned (non-empty incoming values overwrite empty existing ones,
// count/score numerics take the max), confidence becomes the max of the
// two, annotations are appended, and updated_at advances.
func (s *Store) mergeInto(ctx context.Context, existing, incoming *apptype.Entity) error {
	merged := mergeProperties(existing.Properties, incoming.Properties)

	confidence := existing.Confidence
	if incoming.Confidence > confidence {
		confidence = incoming.Confidence
	}

	annotations := append(existing.Annotations, incoming.Annotations...)
	verified := existing.Verified || incoming.Verified

	propsJSON, err := json.Marshal(merged)
	if err != nil {
		return apptype.NewValidationError("properties", fmt.Sprintf("not serializable: %v", err))
	}
	annsJSON, err := json.Marshal(annotations)
	if err != nil {
		return apptype.NewValidationError("annotations", fmt.Sprintf("not serializable: %v", err))
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE entities SET properties = ?, confidence = ?, annotations = ?, verified = ?, updated_at = ? WHERE id = ?`,
		string(propsJSON), confidence, string(annsJSON), boolToInt(verified),
		time.Now().UTC().Format(time.RFC3339Nano), existing.ID)
	if err != nil {
		return apptype.NewBackingStoreError("merge_entity", err)
	}
	return nil
}

func mergeProperties(existing, incoming map[string]any) map[string]any {
	merged := make(map[string]any, len(existing)+len(incoming))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range incoming {
		cur, ok := merged[k]
		if !ok || isEmptyValue(cur) {
			if !isEmptyValue(v) {
				merged[k] = v
			}
			continue
		}
		if isEmptyValue(v) {
			continue
		}
		if isCountScoreKey(k) {
			if cf, cok := asFloat(cur); cok {
				if vf, vok := asFloat(v); vok {
					if vf > cf {
						merged[k] = v
					}
					continue
				}
			}
		}
		merged[k] = v
	}
	return merged
}

func isCountScoreKey(key string) bool {
	k := strings.ToLower(key)
	return strings.Contains(k, "count") || strings.Contains(k, "score")
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func isEmptyValue(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	case []any:
		return len(x) == 0
	case map[string]any:
		return len(x) == 0
	}
	return false
}

// GetEntity retrieves a single entity by id. Passing a non-empty project
// additionally requires the entity to live in that namespace.
func (s *Store) GetEntity(ctx context.Context, id, project string) (*apptype.Entity, error) {
	done := metrics.TimeOp("graph_get_entity")
	success := false
	defer func() { done(success) }()

	query := `SELECT id, entity_type, properties, confidence, project, created_at, updated_at, created_by, verified, annotations
	          FROM entities WHERE id = ?`
	args := []any{id}
	if project != "" {
		query += " AND project = ?"
		args = append(args, project)
	}

	row := s.db.QueryRowContext(ctx, query, args...)
	entity, err := scanEntity(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("entity %s: %w", id, apptype.ErrNotFound)
		}
		return nil, apptype.NewBackingStoreError("get_entity", err)
	}
	success = true
	return entity, nil
}

// UpdateEntity shallow-merges partial updates into the entity's
// properties and bumps updated_at.
func (s *Store) UpdateEntity(ctx context.Context, id string, updates map[string]any) error {
	done := metrics.TimeOp("graph_update_entity")
	success := false
	defer func() { done(success) }()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	entity, err := s.GetEntity(ctx, id, "")
	if err != nil {
		return err
	}

	for k, v := range updates {
		entity.Properties[k] = v
	}
	propsJSON, err := json.Marshal(entity.Properties)
	if err != nil {
		return apptype.NewValidationError("properties", fmt.Sprintf("not serializable: %v", err))
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE entities SET properties = ?, updated_at = ? WHERE id = ?`,
		string(propsJSON), time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return apptype.NewBackingStoreError("update_entity", err)
	}
	success = true
	return nil
}

// DeleteEntity removes an entity and cascades to every relationship
// referencing it as source or target.
func (s *Store) DeleteEntity(ctx context.Context, id string) error {
	done := metrics.TimeOp("graph_delete_entity")
	success := false
	defer func() { done(success) }()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var existing string
	if err := s.db.QueryRowContext(ctx, "SELECT id FROM entities WHERE id = ?", id).Scan(&existing); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("entity %s: %w", id, apptype.ErrNotFound)
		}
		return apptype.NewBackingStoreError("delete_entity", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apptype.NewBackingStoreError("delete_entity", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM relationships WHERE source_id = ? OR target_id = ?", id, id); err != nil {
		return apptype.NewBackingStoreError("delete_entity", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM entities WHERE id = ?", id); err != nil {
		return apptype.NewBackingStoreError("delete_entity", err)
	}

	if err := tx.Commit(); err != nil {
		return apptype.NewBackingStoreError("delete_entity", err)
	}
	success = true
	return nil
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (*apptype.Entity, error) {
	var (
		e                    apptype.Entity
		propsJSON, annsJSON  string
		createdAt, updatedAt string
		verified             int
	)
	if err := row.Scan(&e.ID, &e.EntityType, &propsJSON, &e.Confidence, &e.Project,
		&createdAt, &updatedAt, &e.CreatedBy, &verified, &annsJSON); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(propsJSON), &e.Properties); err != nil {
		return nil, fmt.Errorf("corrupt properties for entity %s: %w", e.ID, err)
	}
	if err := json.Unmarshal([]byte(annsJSON), &e.Annotations); err != nil {
		return nil, fmt.Errorf("corrupt annotations for entity %s: %w", e.ID, err)
	}
	e.Verified = verified != 0
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &e, nil
}

func marshalEntityBlobs(e *apptype.Entity) (propsJSON, annsJSON string, err error) {
	pb, err := json.Marshal(e.Properties)
	if err != nil {
		return "", "", apptype.NewValidationError("properties", fmt.Sprintf("not serializable: %v", err))
	}
	anns := e.Annotations
	if anns == nil {
		anns = []apptype.Annotation{}
	}
	ab, err := json.Marshal(anns)
	if err != nil {
		return "", "", apptype.NewValidationError("annotations", fmt.Sprintf("not serializable: %v", err))
	}
	return string(pb), string(ab), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
