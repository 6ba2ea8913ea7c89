package graph

// schema holds the DDL applied on open. Statements are idempotent so an
// existing database is left untouched.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS entities (
        id          TEXT PRIMARY KEY,
        entity_type TEXT NOT NULL,
        properties  TEXT NOT NULL DEFAULT '{}',
        confidence  REAL NOT NULL DEFAULT 1.0,
        project     TEXT NOT NULL DEFAULT '',
        created_at  TEXT NOT NULL,
        updated_at  TEXT NOT NULL,
        created_by  TEXT NOT NULL DEFAULT '',
        verified    INTEGER NOT NULL DEFAULT 0,
        annotations TEXT NOT NULL DEFAULT '[]'
    )`,

	`CREATE TABLE IF NOT EXISTS relationships (
        id            TEXT PRIMARY KEY,
        source_id     TEXT NOT NULL,
        target_id     TEXT NOT NULL,
        relation_type TEXT NOT NULL,
        properties    TEXT NOT NULL DEFAULT '{}',
        confidence    REAL NOT NULL DEFAULT 1.0,
        created_at    TEXT NOT NULL,
        created_by    TEXT NOT NULL DEFAULT '',
        FOREIGN KEY (source_id) REFERENCES entities(id),
        FOREIGN KEY (target_id) REFERENCES entities(id)
    )`,

	`CREATE INDEX IF NOT EXISTS idx_entities_type ON entities(entity_type)`,
	`CREATE INDEX IF NOT EXISTS idx_entities_project ON entities(project)`,
	`CREATE INDEX IF NOT EXISTS idx_entities_updated_at ON entities(updated_at)`,
	`CREATE INDEX IF NOT EXISTS idx_relationships_source ON relationships(source_id)`,
	`CREATE INDEX IF NOT EXISTS idx_relationships_target ON relationships(target_id)`,
	`CREATE INDEX IF NOT EXISTS idx_relationships_type ON relationships(relation_type)`,
}
