package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// JobRepository handles the jobs table.
type JobRepository struct {
	db DBTX
}

func NewJobRepository(db DBTX) *JobRepository {
	return &JobRepository{db: db}
}

// CreateJob inserts a job. Replays of the same job id are ignored.
func (r *JobRepository) CreateJob(ctx context.Context, job *Job) error {
	query := `
		INSERT INTO jobs (id, height, prev_hash, header_hash, seed_hash, target, bits, clean_jobs, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`

	_, err := r.db.ExecContext(ctx, query,
		job.ID, job.Height, job.PrevHash, job.HeaderHash, job.SeedHash,
		job.Target, job.Bits, job.CleanJobs, job.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// ShareRepository handles the shares table.
type ShareRepository struct {
	db DBTX
}

func NewShareRepository(db DBTX) *ShareRepository {
	return &ShareRepository{db: db}
}

// CreateShare inserts a share. Kafka redelivery of the same share id is
// ignored.
func (r *ShareRepository) CreateShare(ctx context.Context, share *Share) error {
	query := `
		INSERT INTO shares (id, job_id, height, session_id, worker_name, address, extranonce1, nonce,
		                    accepted, error_code, error_message, difficulty, share_difficulty, is_block, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO NOTHING`

	_, err := r.db.ExecContext(ctx, query,
		share.ID, share.JobID, share.Height, share.SessionID, share.WorkerName, share.Address,
		share.ExtraNonce1, share.Nonce, share.Accepted, share.ErrorCode, share.ErrorMessage,
		share.Difficulty, share.ShareDifficulty, share.IsBlock, share.SubmittedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create share: %w", err)
	}
	return nil
}

// GetSharesByAddress pages through an address's shares, newest first.
func (r *ShareRepository) GetSharesByAddress(ctx context.Context, address string, limit, offset int) ([]*Share, error) {
	query := `
		SELECT id, job_id, height, session_id, worker_name, address, extranonce1, nonce,
		       accepted, error_code, error_message, difficulty, share_difficulty, is_block, submitted_at
		FROM shares
		WHERE address = $1
		ORDER BY submitted_at DESC
		LIMIT $2 OFFSET $3`

	rows, err := r.db.QueryContext(ctx, query, address, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query shares: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var shares []*Share
	for rows.Next() {
		s := &Share{}
		err := rows.Scan(
			&s.ID, &s.JobID, &s.Height, &s.SessionID, &s.WorkerName, &s.Address,
			&s.ExtraNonce1, &s.Nonce, &s.Accepted, &s.ErrorCode, &s.ErrorMessage,
			&s.Difficulty, &s.ShareDifficulty, &s.IsBlock, &s.SubmittedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan share: %w", err)
		}
		shares = append(shares, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating shares: %w", err)
	}
	return shares, nil
}

// SummarizeSince totals an address's shares submitted at or after since.
// Difficulty sums the credited difficulty of accepted shares.
func (r *ShareRepository) SummarizeSince(ctx context.Context, address string, since time.Time) (*ShareSummary, error) {
	query := `
		SELECT COUNT(*) FILTER (WHERE accepted),
		       COUNT(*) FILTER (WHERE NOT accepted),
		       COALESCE(SUM(difficulty) FILTER (WHERE accepted), 0)
		FROM shares
		WHERE address = $1 AND submitted_at >= $2`

	summary := &ShareSummary{Address: address}
	err := r.db.QueryRowContext(ctx, query, address, since).
		Scan(&summary.Accepted, &summary.Rejected, &summary.Difficulty)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize shares: %w", err)
	}
	return summary, nil
}

// BlockRepository handles the blocks table.
type BlockRepository struct {
	db DBTX
}

func NewBlockRepository(db DBTX) *BlockRepository {
	return &BlockRepository{db: db}
}

// UpsertBlock records a candidate, or updates its status if it is already
// known.
func (r *BlockRepository) UpsertBlock(ctx context.Context, block *Block) error {
	query := `
		INSERT INTO blocks (candidate_id, share_id, height, hash, worker_name, address,
		                    share_difficulty, network_difficulty, status, error_message, found_at, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (candidate_id) DO UPDATE
		SET status = EXCLUDED.status,
		    error_message = EXCLUDED.error_message,
		    submitted_at = EXCLUDED.submitted_at`

	_, err := r.db.ExecContext(ctx, query,
		block.CandidateID, block.ShareID, block.Height, block.Hash, block.WorkerName, block.Address,
		block.ShareDifficulty, block.NetworkDifficulty, block.Status, block.ErrorMessage,
		block.FoundAt, block.SubmittedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert block: %w", err)
	}
	return nil
}

// GetRecentBlocks pages through blocks, highest first.
func (r *BlockRepository) GetRecentBlocks(ctx context.Context, limit, offset int) ([]*Block, error) {
	query := `
		SELECT candidate_id, share_id, height, hash, worker_name, address,
		       share_difficulty, network_difficulty, status, error_message, found_at, submitted_at
		FROM blocks
		ORDER BY height DESC, found_at DESC
		LIMIT $1 OFFSET $2`

	rows, err := r.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query blocks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var blocks []*Block
	for rows.Next() {
		b := &Block{}
		err := rows.Scan(
			&b.CandidateID, &b.ShareID, &b.Height, &b.Hash, &b.WorkerName, &b.Address,
			&b.ShareDifficulty, &b.NetworkDifficulty, &b.Status, &b.ErrorMessage,
			&b.FoundAt, &b.SubmittedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan block: %w", err)
		}
		blocks = append(blocks, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating blocks: %w", err)
	}
	return blocks, nil
}
