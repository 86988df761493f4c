package manager

import (
	"time"

	"github.com/bardlex/kawpool/internal/job"
)

// Notifier receives manager events. Implementations must not block: the
// manager calls them on the share and template paths.
type Notifier interface {
	JobCreated(j *job.Job)
	ShareProcessed(e ShareEvent)
	BlockFound(e BlockEvent)
}

// ShareEvent describes one processed submission, accepted or not.
type ShareEvent struct {
	ID          string    `json:"id"`
	JobID       uint64    `json:"job_id"`
	Height      int64     `json:"height"`
	WorkerID    string    `json:"worker_id"`
	WorkerName  string    `json:"worker_name"`
	Address     string    `json:"address"`
	ExtraNonce1 string    `json:"extranonce1"`
	Nonce       string    `json:"nonce"`
	Accepted    bool      `json:"accepted"`
	Code        int       `json:"code,omitempty"`
	Message     string    `json:"message,omitempty"`
	Difficulty  float64   `json:"difficulty"`
	ShareDiff   float64   `json:"share_difficulty"`
	IsBlock     bool      `json:"is_block"`
	Timestamp   time.Time `json:"timestamp"`
}

// BlockEvent is a block candidate ready for submission to the node.
type BlockEvent struct {
	ID                string    `json:"id"`
	ShareID           string    `json:"share_id"`
	JobID             uint64    `json:"job_id"`
	Height            int64     `json:"height"`
	BlockHash         string    `json:"block_hash"`
	BlockHex          string    `json:"block_hex"`
	WorkerName        string    `json:"worker_name"`
	Address           string    `json:"address"`
	ShareDiff         float64   `json:"share_difficulty"`
	NetworkDifficulty float64   `json:"network_difficulty"`
	Timestamp         time.Time `json:"timestamp"`
}

// NopNotifier drops every event.
type NopNotifier struct{}

func (NopNotifier) JobCreated(*job.Job) {}
func (NopNotifier) ShareProcessed(ShareEvent) {}
func (NopNotifier) BlockFound(BlockEvent) {}
