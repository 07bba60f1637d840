package clickhouse

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"market-relayer/internal/domain"
	"market-relayer/internal/storage"
)

// PipelineStepStore implements storage.StepStore using ClickHouse.
type PipelineStepStore struct {
	conn *Conn
}

// NewPipelineStepStore creates a new PipelineStepStore.
func NewPipelineStepStore(conn *Conn) *PipelineStepStore {
	return &PipelineStepStore{conn: conn}
}

// Compile-time interface check.
var _ storage.StepStore = (*PipelineStepStore)(nil)

// InsertBulk appends a run's steps in one batch. Fails the entire batch on any duplicate
// (pipeline_id, seq), whether inside the batch or already stored.
func (s *PipelineStepStore) InsertBulk(ctx context.Context, steps []*domain.PipelineStep) (err error) {
	if len(steps) == 0 {
		return nil
	}
	start := time.Now()
	defer func() { observe("insert_steps", start, err) }()

	type key struct {
		pipelineID string
		seq        int
	}
	seen := make(map[key]struct{}, len(steps))
	for _, st := range steps {
		if st == nil || st.PipelineID == "" || st.Seq < 0 {
			return storage.ErrInvalidInput
		}
		k := key{st.PipelineID, st.Seq}
		if _, dup := seen[k]; dup {
			return storage.ErrDuplicateKey
		}
		seen[k] = struct{}{}
	}

	// MergeTree does not enforce uniqueness, so check stored rows first.
	for k := range seen {
		exists, err := s.exists(ctx, k.pipelineID, k.seq)
		if err != nil {
			return fmt.Errorf("check exists: %w", err)
		}
		if exists {
			return storage.ErrDuplicateKey
		}
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO pipeline_steps (
			pipeline_id, seq, name, status, timestamp_ms, payload
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, st := range steps {
		payload, err := encodePayload(st.Payload)
		if err != nil {
			return fmt.Errorf("encode payload of %s/%d: %w", st.PipelineID, st.Seq, err)
		}
		if err := batch.Append(
			st.PipelineID, uint32(st.Seq), st.Name, string(st.Status), st.TimestampMs, payload,
		); err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// GetByPipeline retrieves all steps of a run, ordered by seq ASC.
func (s *PipelineStepStore) GetByPipeline(ctx context.Context, pipelineID string) (_ []*domain.PipelineStep, err error) {
	start := time.Now()
	defer func() { observe("get_steps", start, err) }()

	rows, err := s.conn.Query(ctx, `
		SELECT pipeline_id, seq, name, status, timestamp_ms, payload
		FROM pipeline_steps
		WHERE pipeline_id = ?
		ORDER BY seq ASC
	`, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("query by pipeline: %w", err)
	}
	defer rows.Close()

	var steps []*domain.PipelineStep
	for rows.Next() {
		var (
			st      domain.PipelineStep
			seq     uint32
			status  string
			payload string
		)
		if err := rows.Scan(&st.PipelineID, &seq, &st.Name, &status, &st.TimestampMs, &payload); err != nil {
			return nil, fmt.Errorf("scan step row: %w", err)
		}
		st.Seq = int(seq)
		st.Status = domain.StepStatus(status)
		if payload != "" {
			if err := json.Unmarshal([]byte(payload), &st.Payload); err != nil {
				return nil, fmt.Errorf("decode payload of %s/%d: %w", st.PipelineID, st.Seq, err)
			}
		}
		steps = append(steps, &st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate step rows: %w", err)
	}
	return steps, nil
}

func (s *PipelineStepStore) exists(ctx context.Context, pipelineID string, seq int) (bool, error) {
	var count uint64
	err := s.conn.QueryRow(ctx,
		`SELECT count(*) FROM pipeline_steps WHERE pipeline_id = ? AND seq = ?`,
		pipelineID, uint32(seq),
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func encodePayload(p map[string]any) (string, error) {
	if len(p) == 0 {
		return "", nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
