package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/xuan1250/transfer2read/internal/quality"
	"github.com/xuan1250/transfer2read/internal/types"
)

// StageArtifact bundles a completed stage's output with the quality
// contribution it reported, so a worker reclaiming a job can resume with
// both.
type StageArtifact struct {
	Outputs      *types.StageOutputs   `json:"outputs"`
	Contribution *quality.Contribution `json:"contribution,omitempty"`
}

// ArtifactStore persists per-stage outputs keyed by (job_id, stage). The
// upsert makes stage re-runs idempotent: a retried or replayed stage
// overwrites its own row instead of duplicating it.
type ArtifactStore struct {
	db *DB
}

// NewArtifactStore creates an artifact store over the given pool.
func NewArtifactStore(db *DB) *ArtifactStore {
	return &ArtifactStore{db: db}
}

// Save upserts the artifact for (jobID, stage).
func (s *ArtifactStore) Save(ctx context.Context, jobID uuid.UUID, stage types.Stage, artifact *StageArtifact) error {
	content, err := json.Marshal(artifact)
	if err != nil {
		return fmt.Errorf("failed to marshal stage artifact: %w", err)
	}
	_, err = s.db.pool.Exec(ctx, `
INSERT INTO stage_artifacts (job_id, stage, content)
VALUES ($1, $2, $3)
ON CONFLICT (job_id, stage) DO UPDATE SET content = $3, created_at = now()`,
		jobID, string(stage), content)
	if err != nil {
		return fmt.Errorf("failed to save artifact for stage %s: %w", stage, err)
	}
	return nil
}

// Load returns all persisted artifacts for a job keyed by stage.
func (s *ArtifactStore) Load(ctx context.Context, jobID uuid.UUID) (map[types.Stage]*StageArtifact, error) {
	rows, err := s.db.pool.Query(ctx,
		`SELECT stage, content FROM stage_artifacts WHERE job_id = $1`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to load artifacts: %w", err)
	}
	defer rows.Close()

	artifacts := make(map[types.Stage]*StageArtifact)
	for rows.Next() {
		var (
			stage   string
			content []byte
		)
		if err := rows.Scan(&stage, &content); err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		var artifact StageArtifact
		if err := json.Unmarshal(content, &artifact); err != nil {
			return nil, fmt.Errorf("failed to unmarshal artifact for stage %s: %w", stage, err)
		}
		artifacts[types.Stage(stage)] = &artifact
	}
	return artifacts, rows.Err()
}
