package graph

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seralabs/researchmem/internal/apptype"
)

const testProject = "test-project"

func setupTestStore(t *testing.T) (*Store, func()) {
	config := NewConfig()
	// Use an in-memory database for testing. The `cache=shared` is crucial
	// for sharing the connection across different calls to `sql.Open`
	// within the same process; the test name keeps databases isolated.
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	config.URL = fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	store, err := NewStore(config)
	require.NoError(t, err)

	cleanup := func() {
		err := store.Close()
		assert.NoError(t, err)
	}

	return store, cleanup
}

func paperEntity(props map[string]any) apptype.Entity {
	return apptype.Entity{
		EntityType: "paper",
		Properties: props,
		Confidence: 0.8,
		Project:    testProject,
		CreatedBy:  "tester",
	}
}

func TestAddAndGetEntity(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	entity := paperEntity(map[string]any{
		"title": "Retrieval-Augmented Generation",
		"doi":   "10.1000/rag",
	})
	entity.Verified = true
	entity.Annotations = []apptype.Annotation{{Author: "tester", Text: "seed paper"}}

	id, err := store.AddEntity(ctx, entity, false)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	retrieved, err := store.GetEntity(ctx, id, testProject)
	require.NoError(t, err)
	assert.Equal(t, id, retrieved.ID)
	assert.Equal(t, "paper", retrieved.EntityType)
	assert.Equal(t, "Retrieval-Augmented Generation", retrieved.Properties["title"])
	assert.Equal(t, "10.1000/rag", retrieved.Properties["doi"])
	assert.InDelta(t, 0.8, retrieved.Confidence, 1e-9)
	assert.Equal(t, testProject, retrieved.Project)
	assert.Equal(t, "tester", retrieved.CreatedBy)
	assert.True(t, retrieved.Verified)
	require.Len(t, retrieved.Annotations, 1)
	assert.Equal(t, "seed paper", retrieved.Annotations[0].Text)
	assert.False(t, retrieved.CreatedAt.IsZero())
	assert.False(t, retrieved.UpdatedAt.IsZero())
}

func TestGetEntityNotFound(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	_, err := store.GetEntity(context.Background(), "no-such-id", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apptype.ErrNotFound))
}

func TestGetEntityProjectScoping(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	id, err := store.AddEntity(ctx, paperEntity(map[string]any{"title": "Scoped"}), false)
	require.NoError(t, err)

	_, err = store.GetEntity(ctx, id, "other-project")
	assert.True(t, errors.Is(err, apptype.ErrNotFound))

	retrieved, err := store.GetEntity(ctx, id, "")
	require.NoError(t, err)
	assert.Equal(t, id, retrieved.ID)
}

func TestAddEntityValidation(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()

	_, err := store.AddEntity(ctx, apptype.Entity{EntityType: "  ", Project: testProject}, false)
	require.Error(t, err)
	assert.True(t, apptype.IsValidation(err))

	bad := paperEntity(map[string]any{"title": "x"})
	bad.Confidence = 1.5
	_, err = store.AddEntity(ctx, bad, false)
	require.Error(t, err)
	assert.True(t, apptype.IsValidation(err))
}

func TestMergeOnExternalID(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	first := paperEntity(map[string]any{
		"title":          "Paper X",
		"doi":            "10.1000/x",
		"citation_count": float64(10),
		"abstract":       "",
	})
	first.Confidence = 0.6
	first.Annotations = []apptype.Annotation{{Author: "a", Text: "first pass"}}

	id1, err := store.AddEntity(ctx, first, true)
	require.NoError(t, err)

	second := paperEntity(map[string]any{
		"title":          "Paper X (v2)",
		"doi":            "10.1000/X",
		"citation_count": float64(4),
		"abstract":       "transformers all the way down",
		"venue":          "NeurIPS",
	})
	second.Confidence = 0.9
	second.Annotations = []apptype.Annotation{{Author: "b", Text: "second pass"}}

	id2, err := store.AddEntity(ctx, second, true)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	merged, err := store.GetEntity(ctx, id1, testProject)
	require.NoError(t, err)
	// count keys keep the max, empty values are filled, non-empty
	// incoming values overwrite.
	assert.Equal(t, float64(10), merged.Properties["citation_count"])
	assert.Equal(t, "transformers all the way down", merged.Properties["abstract"])
	assert.Equal(t, "NeurIPS", merged.Properties["venue"])
	assert.Equal(t, "Paper X (v2)", merged.Properties["title"])
	assert.InDelta(t, 0.9, merged.Confidence, 1e-9)
	require.Len(t, merged.Annotations, 2)
	assert.Equal(t, "first pass", merged.Annotations[0].Text)
	assert.Equal(t, "second pass", merged.Annotations[1].Text)

	stats, err := store.Statistics(ctx, testProject)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.EntityCount)
}

func TestMergeIdempotent(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	entity := paperEntity(map[string]any{"title": "Stable", "doi": "10.1/s"})

	id1, err := store.AddEntity(ctx, entity, true)
	require.NoError(t, err)
	id2, err := store.AddEntity(ctx, entity, true)
	require.NoError(t, err)
	id3, err := store.AddEntity(ctx, entity, true)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
	assert.Equal(t, id1, id3)

	stats, err := store.Statistics(ctx, testProject)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.EntityCount)
}

func TestDuplicateWithoutMerge(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	_, err := store.AddEntity(ctx, paperEntity(map[string]any{"doi": "10.1/dup", "title": "Dup"}), false)
	require.NoError(t, err)

	_, err = store.AddEntity(ctx, paperEntity(map[string]any{"doi": "10.1/dup", "title": "Other words"}), false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apptype.ErrDuplicate))

	stats, err := store.Statistics(ctx, testProject)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.EntityCount)
}

func TestFuzzyTitleMerge(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	id1, err := store.AddEntity(ctx, paperEntity(map[string]any{"title": "Attention Is All You Need"}), true)
	require.NoError(t, err)

	// Case and whitespace differences normalize away.
	id2, err := store.AddEntity(ctx, paperEntity(map[string]any{"title": "attention  is all you NEED"}), true)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	// A genuinely different title stays separate.
	id3, err := store.AddEntity(ctx, paperEntity(map[string]any{"title": "Sparse Mixture of Experts"}), true)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id3)
}

func TestNoFuzzyMergeAcrossTypesOrProjects(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	id1, err := store.AddEntity(ctx, paperEntity(map[string]any{"title": "Shared Title"}), true)
	require.NoError(t, err)

	other := paperEntity(map[string]any{"title": "Shared Title"})
	other.EntityType = "hypothesis"
	id2, err := store.AddEntity(ctx, other, true)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	elsewhere := paperEntity(map[string]any{"title": "Shared Title"})
	elsewhere.Project = "another-project"
	id3, err := store.AddEntity(ctx, elsewhere, true)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id3)
}

func TestUpdateEntity(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	id, err := store.AddEntity(ctx, paperEntity(map[string]any{"title": "Before", "year": float64(2020)}), false)
	require.NoError(t, err)

	err = store.UpdateEntity(ctx, id, map[string]any{"title": "After", "venue": "ICML"})
	require.NoError(t, err)

	updated, err := store.GetEntity(ctx, id, "")
	require.NoError(t, err)
	assert.Equal(t, "After", updated.Properties["title"])
	assert.Equal(t, "ICML", updated.Properties["venue"])
	assert.Equal(t, float64(2020), updated.Properties["year"])

	err = store.UpdateEntity(ctx, "missing", map[string]any{"x": 1})
	assert.True(t, errors.Is(err, apptype.ErrNotFound))
}

func TestDeleteEntityCascades(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	a, err := store.AddEntity(ctx, paperEntity(map[string]any{"title": "A"}), false)
	require.NoError(t, err)
	b, err := store.AddEntity(ctx, paperEntity(map[string]any{"title": "B"}), false)
	require.NoError(t, err)

	relID, err := store.AddRelationship(ctx, apptype.Relationship{
		SourceID: a, TargetID: b, RelationType: "cites", Confidence: 1,
	})
	require.NoError(t, err)

	err = store.DeleteEntity(ctx, a)
	require.NoError(t, err)

	_, err = store.GetEntity(ctx, a, "")
	assert.True(t, errors.Is(err, apptype.ErrNotFound))

	// The relationship went with it.
	related, err := store.QueryRelated(ctx, b, "", apptype.DirectionBoth, 1)
	require.NoError(t, err)
	assert.Empty(t, related)
	err = store.DeleteRelationship(ctx, relID)
	assert.True(t, errors.Is(err, apptype.ErrNotFound))
}

func TestAddRelationshipStructure(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	a, err := store.AddEntity(ctx, paperEntity(map[string]any{"title": "A"}), false)
	require.NoError(t, err)

	// Self-loops are rejected by default.
	_, err = store.AddRelationship(ctx, apptype.Relationship{
		SourceID: a, TargetID: a, RelationType: "cites",
	})
	require.Error(t, err)
	assert.True(t, apptype.IsValidation(err))

	// Missing endpoints fail before any write.
	_, err = store.AddRelationship(ctx, apptype.Relationship{
		SourceID: a, TargetID: "ghost", RelationType: "cites",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apptype.ErrNotFound))

	_, err = store.AddRelationship(ctx, apptype.Relationship{
		SourceID: a, TargetID: a, RelationType: "",
	})
	assert.True(t, apptype.IsValidation(err))
}

func TestAllowSelfLoops(t *testing.T) {
	config := NewConfig()
	config.URL = "file:selfloops?mode=memory&cache=shared"
	config.AllowSelfLoops = true
	store, err := NewStore(config)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	a, err := store.AddEntity(ctx, paperEntity(map[string]any{"title": "A"}), false)
	require.NoError(t, err)

	_, err = store.AddRelationship(ctx, apptype.Relationship{
		SourceID: a, TargetID: a, RelationType: "supersedes",
	})
	assert.NoError(t, err)
}

func TestQueryRelated(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	a, err := store.AddEntity(ctx, paperEntity(map[string]any{"title": "A"}), false)
	require.NoError(t, err)
	b, err := store.AddEntity(ctx, paperEntity(map[string]any{"title": "B"}), false)
	require.NoError(t, err)
	c, err := store.AddEntity(ctx, paperEntity(map[string]any{"title": "C"}), false)
	require.NoError(t, err)

	_, err = store.AddRelationship(ctx, apptype.Relationship{SourceID: a, TargetID: b, RelationType: "cites"})
	require.NoError(t, err)
	_, err = store.AddRelationship(ctx, apptype.Relationship{SourceID: b, TargetID: c, RelationType: "extends"})
	require.NoError(t, err)

	ids := func(entities []apptype.Entity) []string {
		out := make([]string, 0, len(entities))
		for _, e := range entities {
			out = append(out, e.ID)
		}
		return out
	}

	// Depth 1 outgoing from a reaches only b.
	related, err := store.QueryRelated(ctx, a, "", apptype.DirectionOutgoing, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{b}, ids(related))

	// Depth 2 reaches c through b; the seed itself is excluded.
	related, err = store.QueryRelated(ctx, a, "", apptype.DirectionOutgoing, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{b, c}, ids(related))

	// Incoming from c sees only b at depth 1.
	related, err = store.QueryRelated(ctx, c, "", apptype.DirectionIncoming, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{b}, ids(related))

	// Relation type filter prunes the second hop.
	related, err = store.QueryRelated(ctx, a, "cites", apptype.DirectionBoth, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{b}, ids(related))

	_, err = store.QueryRelated(ctx, "ghost", "", apptype.DirectionBoth, 1)
	assert.True(t, errors.Is(err, apptype.ErrNotFound))
}

func TestAddEntityClampsFutureCreatedAt(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	entity := paperEntity(map[string]any{"title": "Backdated From The Future"})
	entity.CreatedAt = time.Now().Add(time.Hour)

	id, err := store.AddEntity(ctx, entity, false)
	require.NoError(t, err)

	got, err := store.GetEntity(ctx, id, testProject)
	require.NoError(t, err)
	assert.False(t, got.CreatedAt.After(got.UpdatedAt), "created_at must not exceed updated_at")
	assert.False(t, got.CreatedAt.After(time.Now()))
}

func TestImportClampsFutureTimestamps(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "future-entity.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"format_version": 1,
		"entities": [{"id": "e1", "entityType": "paper", "properties": {"title": "T"}, "createdAt": "2999-01-01T00:00:00Z"}],
		"relationships": []
	}`), 0o644))

	imported, err := store.Import(ctx, path, false, testProject)
	require.NoError(t, err)
	assert.Equal(t, 1, imported)

	got, err := store.GetEntity(ctx, "e1", testProject)
	require.NoError(t, err)
	assert.False(t, got.CreatedAt.After(got.UpdatedAt), "created_at must not exceed updated_at")
	assert.False(t, got.CreatedAt.After(time.Now()))
}

func TestStatisticsAndReset(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	a, err := store.AddEntity(ctx, paperEntity(map[string]any{"title": "A"}), false)
	require.NoError(t, err)
	b, err := store.AddEntity(ctx, paperEntity(map[string]any{"title": "B"}), false)
	require.NoError(t, err)
	hyp := paperEntity(map[string]any{"title": "H"})
	hyp.EntityType = "hypothesis"
	_, err = store.AddEntity(ctx, hyp, false)
	require.NoError(t, err)
	_, err = store.AddRelationship(ctx, apptype.Relationship{SourceID: a, TargetID: b, RelationType: "cites"})
	require.NoError(t, err)

	stats, err := store.Statistics(ctx, testProject)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.EntityCount)
	assert.Equal(t, 1, stats.RelationshipCount)
	assert.Equal(t, 2, stats.EntitiesByType["paper"])
	assert.Equal(t, 1, stats.EntitiesByType["hypothesis"])
	assert.Equal(t, 1, stats.RelationshipsByType["cites"])

	err = store.Reset(ctx, testProject)
	require.NoError(t, err)

	stats, err = store.Statistics(ctx, testProject)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.EntityCount)
	assert.Equal(t, 0, stats.RelationshipCount)
}

func TestResetLogsBeforeAndAfterCounts(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	a, err := store.AddEntity(ctx, paperEntity(map[string]any{"title": "A"}), false)
	require.NoError(t, err)
	b, err := store.AddEntity(ctx, paperEntity(map[string]any{"title": "B"}), false)
	require.NoError(t, err)
	_, err = store.AddRelationship(ctx, apptype.Relationship{SourceID: a, TargetID: b, RelationType: "cites"})
	require.NoError(t, err)

	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	require.NoError(t, store.Reset(ctx, testProject))

	assert.Contains(t, buf.String(), "removed 2 entities, 1 relationships")
	assert.Contains(t, buf.String(), "0 entities, 0 relationships remain")
}

func TestResetScopedToProject(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	_, err := store.AddEntity(ctx, paperEntity(map[string]any{"title": "Keep"}), false)
	require.NoError(t, err)
	other := paperEntity(map[string]any{"title": "Drop"})
	other.Project = "doomed"
	_, err = store.AddEntity(ctx, other, false)
	require.NoError(t, err)

	require.NoError(t, store.Reset(ctx, "doomed"))

	stats, err := store.Statistics(ctx, testProject)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.EntityCount)
	stats, err = store.Statistics(ctx, "doomed")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.EntityCount)
}

func TestExportImportRoundTrip(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	a, err := store.AddEntity(ctx, paperEntity(map[string]any{"title": "A", "doi": "10.1/a"}), false)
	require.NoError(t, err)
	b, err := store.AddEntity(ctx, paperEntity(map[string]any{"title": "B"}), false)
	require.NoError(t, err)
	_, err = store.AddRelationship(ctx, apptype.Relationship{SourceID: a, TargetID: b, RelationType: "cites", Confidence: 0.7})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "graph.json")
	require.NoError(t, store.Export(ctx, path, testProject))

	require.NoError(t, store.Reset(ctx, testProject))

	imported, err := store.Import(ctx, path, false, testProject)
	require.NoError(t, err)
	assert.Equal(t, 2, imported)

	restored, err := store.GetEntity(ctx, a, testProject)
	require.NoError(t, err)
	assert.Equal(t, "A", restored.Properties["title"])

	related, err := store.QueryRelated(ctx, a, "cites", apptype.DirectionOutgoing, 1)
	require.NoError(t, err)
	require.Len(t, related, 1)
	assert.Equal(t, b, related[0].ID)
}

func TestImportRejectsBadFiles(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	_, err := store.AddEntity(ctx, paperEntity(map[string]any{"title": "Survivor"}), false)
	require.NoError(t, err)

	dir := t.TempDir()

	corrupt := filepath.Join(dir, "corrupt.json")
	require.NoError(t, os.WriteFile(corrupt, []byte("{not json"), 0o644))
	_, err = store.Import(ctx, corrupt, true, testProject)
	require.Error(t, err)
	assert.True(t, apptype.IsValidation(err))

	future := filepath.Join(dir, "future.json")
	require.NoError(t, os.WriteFile(future, []byte(`{"format_version": 99, "entities": [], "relationships": []}`), 0o644))
	_, err = store.Import(ctx, future, true, testProject)
	require.Error(t, err)
	assert.True(t, apptype.IsValidation(err))

	dangling := filepath.Join(dir, "dangling.json")
	require.NoError(t, os.WriteFile(dangling, []byte(`{
		"format_version": 1,
		"entities": [{"id": "e1", "entityType": "paper", "properties": {}}],
		"relationships": [{"id": "r1", "sourceId": "e1", "targetId": "missing", "relationType": "cites"}]
	}`), 0o644))
	_, err = store.Import(ctx, dangling, true, testProject)
	require.Error(t, err)
	assert.True(t, apptype.IsValidation(err))

	// Even with clear=true, the failed imports left the graph untouched.
	stats, err := store.Statistics(ctx, testProject)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.EntityCount)
}
