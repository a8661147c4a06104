// Package tasks implements the durable work queue: a badger-backed FIFO
// broker, the worker pool that drains it, the cron scheduler for periodic
// jobs and the task handlers themselves.
package tasks

import (
	"encoding/json"
	"time"
)

// Task names. Payloads are self-describing: the queued record carries the
// name plus its JSON arguments.
const (
	TaskReplicate      = "replicate_chunk"
	TaskVerifyFile     = "verify_file"
	TaskVerifySweep    = "verify_sweep"
	TaskProbeNodes     = "probe_nodes"
	TaskExpireShares   = "expire_shares"
	TaskReclaimOrphans = "reclaim_orphans"
	TaskRepairChunk    = "repair_chunk"
)

// Task is one queued unit of work.
type Task struct {
	ID         string          `json:"id"`
	Name       string          `json:"task"`
	Args       json.RawMessage `json:"args"`
	Priority   int             `json:"priority"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Decode unmarshals the task arguments into out.
func (t *Task) Decode(out any) error {
	return json.Unmarshal(t.Args, out)
}

// Result is the stored outcome of a task.
type Result struct {
	TaskID      string          `json:"task_id"`
	Name        string          `json:"task"`
	OK          bool            `json:"ok"`
	Error       string          `json:"error,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CompletedAt time.Time       `json:"completed_at"`
}

// Decode unmarshals the result payload into out.
func (r *Result) Decode(out any) error {
	return json.Unmarshal(r.Payload, out)
}

// ReplicateArgs are the arguments of a replicate_chunk task.
type ReplicateArgs struct {
	ChunkID           string   `json:"chunk_id"`
	Payload           []byte   `json:"payload"`
	Nodes             []string `json:"nodes"`
	ReplicationFactor int      `json:"replication_factor"`
}

// ReplicateResult is the payload of a successful replicate_chunk task.
type ReplicateResult struct {
	ChunkID      string   `json:"chunk_id"`
	SuccessCount int      `json:"success_count"`
	FailedNodes  []string `json:"failed_nodes,omitempty"`
	Status       string   `json:"status"`
}

// VerifyArgs are the arguments of a verify_file task.
type VerifyArgs struct {
	FileID string `json:"file_id"`
}

// CorruptedChunk is one entry in a verification report.
type CorruptedChunk struct {
	ChunkID            string `json:"chunk_id"`
	ExpectedChecksum   string `json:"expected_checksum"`
	CalculatedChecksum string `json:"calculated_checksum,omitempty"`
	Error              string `json:"error,omitempty"`
}

// VerifyResult is the payload of a verify_file task.
type VerifyResult struct {
	FileID          string           `json:"file_id"`
	Status          string           `json:"status"`
	CorruptedChunks []CorruptedChunk `json:"corrupted_chunks,omitempty"`
}

// RepairArgs are the arguments of a repair_chunk task.
type RepairArgs struct {
	ChunkID string `json:"chunk_id"`
}

// RepairResult is the payload of a repair_chunk task.
type RepairResult struct {
	ChunkID  string   `json:"chunk_id"`
	NewNodes []string `json:"new_nodes,omitempty"`
}
