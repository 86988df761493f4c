package postgres

import (
	"time"
)

// Block statuses.
const (
	BlockStatusPending  = "pending"
	BlockStatusAccepted = "accepted"
	BlockStatusRejected = "rejected"
	BlockStatusFailed   = "failed"
)

// Job is a row of the jobs table.
type Job struct {
	ID         string    `db:"id"`
	Height     int64     `db:"height"`
	PrevHash   string    `db:"prev_hash"`
	HeaderHash string    `db:"header_hash"`
	SeedHash   string    `db:"seed_hash"`
	Target     string    `db:"target"`
	Bits       string    `db:"bits"`
	CleanJobs  bool      `db:"clean_jobs"`
	CreatedAt  time.Time `db:"created_at"`
}

// Share is one processed submission, accepted or rejected.
type Share struct {
	ID              string    `db:"id"`
	JobID           string    `db:"job_id"`
	Height          int64     `db:"height"`
	SessionID       string    `db:"session_id"`
	WorkerName      string    `db:"worker_name"`
	Address         string    `db:"address"`
	ExtraNonce1     string    `db:"extranonce1"`
	Nonce           string    `db:"nonce"`
	Accepted        bool      `db:"accepted"`
	ErrorCode       int       `db:"error_code"`
	ErrorMessage    string    `db:"error_message"`
	Difficulty      float64   `db:"difficulty"`
	ShareDifficulty float64   `db:"share_difficulty"`
	IsBlock         bool      `db:"is_block"`
	SubmittedAt     time.Time `db:"submitted_at"`
}

// Block is a block candidate and its submission outcome.
type Block struct {
	CandidateID       string     `db:"candidate_id"`
	ShareID           string     `db:"share_id"`
	Height            int64      `db:"height"`
	Hash              string     `db:"hash"`
	WorkerName        string     `db:"worker_name"`
	Address           string     `db:"address"`
	ShareDifficulty   float64    `db:"share_difficulty"`
	NetworkDifficulty float64    `db:"network_difficulty"`
	Status            string     `db:"status"`
	ErrorMessage      string     `db:"error_message"`
	FoundAt           time.Time  `db:"found_at"`
	SubmittedAt       *time.Time `db:"submitted_at"`
}

// ShareSummary aggregates one address's shares over a window.
type ShareSummary struct {
	Address    string  `json:"address"`
	Accepted   int64   `json:"accepted"`
	Rejected   int64   `json:"rejected"`
	Difficulty float64 `json:"difficulty"`
}
