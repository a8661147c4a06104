package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/chunkvault/chunkvault/internal/cache"
	"github.com/chunkvault/chunkvault/internal/chunker"
	"github.com/chunkvault/chunkvault/internal/metadata"
	"github.com/chunkvault/chunkvault/internal/metrics"
	"github.com/chunkvault/chunkvault/internal/node"
	"github.com/chunkvault/chunkvault/internal/nodes"
	"github.com/chunkvault/chunkvault/pkg/errtypes"
)

// Handlers hosts every task implementation with its injected dependencies.
type Handlers struct {
	store    metadata.Store
	cache    *cache.ChunkCache
	client   *node.Client
	registry *nodes.Registry
	broker   *Broker
	met      *metrics.Metrics
	log      *logrus.Logger

	replicationFactor int
	orphanAge         time.Duration
}

// NewHandlers wires the task implementations.
func NewHandlers(store metadata.Store, chunkCache *cache.ChunkCache, client *node.Client,
	registry *nodes.Registry, broker *Broker, met *metrics.Metrics, log *logrus.Logger,
	replicationFactor int) *Handlers {
	return &Handlers{
		store:             store,
		cache:             chunkCache,
		client:            client,
		registry:          registry,
		broker:            broker,
		met:               met,
		log:               log,
		replicationFactor: replicationFactor,
		orphanAge:         24 * time.Hour,
	}
}

// RegisterAll binds every handler to its task name.
func (h *Handlers) RegisterAll(p *Pool) {
	p.Register(TaskReplicate, h.Replicate)
	p.Register(TaskVerifyFile, h.VerifyFile)
	p.Register(TaskVerifySweep, h.VerifySweep)
	p.Register(TaskProbeNodes, h.ProbeNodes)
	p.Register(TaskExpireShares, h.ExpireShares)
	p.Register(TaskReclaimOrphans, h.ReclaimOrphans)
	p.Register(TaskRepairChunk, h.RepairChunk)
}

// Replicate fans the chunk payload out to the placement set and commits the
// replica map once quorum acknowledges. Short of quorum it fails Transient
// so the pool retries it.
func (h *Handlers) Replicate(ctx context.Context, rawArgs json.RawMessage) (any, error) {
	var args ReplicateArgs
	if err := json.Unmarshal(rawArgs, &args); err != nil {
		return nil, errtypes.Fatal{Err: fmt.Errorf("decode replicate args: %w", err)}
	}
	if len(args.Nodes) == 0 {
		return nil, errtypes.Fatal{Err: fmt.Errorf("replicate %s: empty placement set", args.ChunkID)}
	}
	start := time.Now()
	quorum := args.ReplicationFactor/2 + 1

	type outcome struct {
		nodeID string
		err    error
	}
	outcomes := make([]outcome, len(args.Nodes))

	var wg sync.WaitGroup
	for i, nodeID := range args.Nodes {
		wg.Add(1)
		go func(i int, nodeID string) {
			defer wg.Done()
			_, err := h.client.PutChunk(ctx, nodeID, args.ChunkID, args.Payload)
			outcomes[i] = outcome{nodeID: nodeID, err: err}
		}(i, nodeID)
	}
	wg.Wait()

	var acked, failed []string
	for _, o := range outcomes {
		if o.err == nil {
			acked = append(acked, o.nodeID)
		} else {
			h.log.WithError(o.err).WithFields(logrus.Fields{
				"chunk_id": args.ChunkID, "node": o.nodeID,
			}).Warn("replica write failed")
			failed = append(failed, o.nodeID)
		}
	}

	if len(acked) < quorum {
		return nil, errtypes.Transient{
			Err: errtypes.QuorumUnreachable(fmt.Sprintf(
				"chunk %s: %d of %d acks, need %d", args.ChunkID, len(acked), len(args.Nodes), quorum)),
		}
	}

	if err := h.store.CommitReplication(ctx, args.ChunkID, acked); err != nil {
		if errtypes.IsNotFound(err) {
			return nil, errtypes.Fatal{Err: err}
		}
		return nil, errtypes.Transient{Err: fmt.Errorf("commit replication of %s: %w", args.ChunkID, err)}
	}

	h.met.ChunksStored.Inc()
	h.met.ReplicationDuration.Observe(time.Since(start).Seconds())
	return ReplicateResult{
		ChunkID:      args.ChunkID,
		SuccessCount: len(acked),
		FailedNodes:  failed,
		Status:       string(metadata.ChunkStored),
	}, nil
}

// VerifyFile recomputes every chunk digest from a surviving replica and
// moves the file to verified or corrupted. Intact but under-replicated
// chunks get a repair task.
func (h *Handlers) VerifyFile(ctx context.Context, rawArgs json.RawMessage) (any, error) {
	var args VerifyArgs
	if err := json.Unmarshal(rawArgs, &args); err != nil {
		return nil, errtypes.Fatal{Err: fmt.Errorf("decode verify args: %w", err)}
	}

	file, err := h.store.FileByID(ctx, args.FileID)
	if err != nil {
		if errtypes.IsNotFound(err) {
			return nil, errtypes.Fatal{Err: err}
		}
		return nil, errtypes.Transient{Err: err}
	}
	// only a finished upload moves to verified or corrupted; a file still
	// uploading has pending chunks with no replicas, and a failed one is
	// awaiting reclamation
	if file.Status == metadata.FileUploading || file.Status == metadata.FileFailed {
		h.log.WithFields(logrus.Fields{
			"file_id": file.ID, "status": file.Status,
		}).Info("verification skipped, file not in a verifiable state")
		return VerifyResult{FileID: file.ID, Status: string(file.Status)}, nil
	}
	chunks, err := h.store.ChunksByFile(ctx, file.ID)
	if err != nil {
		return nil, errtypes.Transient{Err: err}
	}

	var corrupted []CorruptedChunk
	for _, chunk := range chunks {
		replicas, err := h.store.ReplicasByChunk(ctx, chunk.ID)
		if err != nil {
			return nil, errtypes.Transient{Err: err}
		}

		entry, intact := h.verifyChunk(ctx, &chunk, replicas)
		if !intact {
			corrupted = append(corrupted, entry)
			continue
		}
		if len(replicas) < h.replicationFactor && len(h.registry.Healthy()) > len(replicas) {
			if _, err := h.broker.Enqueue(ctx, TaskRepairChunk, RepairArgs{ChunkID: chunk.ID}, 0); err != nil {
				h.log.WithError(err).WithField("chunk_id", chunk.ID).Warn("enqueue repair failed")
			}
		}
	}

	status := metadata.FileVerified
	if len(corrupted) > 0 {
		status = metadata.FileCorrupted
		h.log.WithFields(logrus.Fields{
			"file_id": file.ID, "corrupted_chunks": len(corrupted),
		}).Error("integrity verification failed")
	}
	if err := h.store.SetFileStatus(ctx, file.ID, status); err != nil {
		return nil, errtypes.Transient{Err: err}
	}
	h.cache.InvalidateFile(ctx, file.ID, file.OwnerID)

	return VerifyResult{
		FileID:          file.ID,
		Status:          string(status),
		CorruptedChunks: corrupted,
	}, nil
}

// verifyChunk tries the chunk's replicas in order and reports whether any
// of them produced digest-valid bytes.
func (h *Handlers) verifyChunk(ctx context.Context, chunk *metadata.Chunk, replicas []metadata.Replica) (CorruptedChunk, bool) {
	entry := CorruptedChunk{ChunkID: chunk.ID, ExpectedChecksum: chunk.Checksum}
	if len(replicas) == 0 {
		entry.Error = "no replicas recorded"
		return entry, false
	}

	var lastErr error
	for _, replica := range replicas {
		rc, err := h.client.GetChunk(ctx, replica.NodeID, chunk.ID)
		if err != nil {
			lastErr = err
			continue
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			lastErr = err
			continue
		}
		calc := chunker.Digest(data)
		if calc == chunk.Checksum {
			return CorruptedChunk{}, true
		}
		entry.CalculatedChecksum = calc
	}
	if entry.CalculatedChecksum == "" && lastErr != nil {
		entry.Error = lastErr.Error()
	}
	return entry, false
}

// VerifySweep enqueues a verify_file task for every eligible file. The cron
// scheduler fires it nightly.
func (h *Handlers) VerifySweep(ctx context.Context, _ json.RawMessage) (any, error) {
	ids, err := h.store.FilesForVerification(ctx)
	if err != nil {
		return nil, errtypes.Transient{Err: err}
	}
	for _, id := range ids {
		if _, err := h.broker.Enqueue(ctx, TaskVerifyFile, VerifyArgs{FileID: id}, 1); err != nil {
			return nil, errtypes.Transient{Err: err}
		}
	}
	return map[string]int{"files_enqueued": len(ids)}, nil
}

// ProbeNodes polls every configured node and writes the snapshot into the
// cache under the nodes_health namespace.
func (h *Handlers) ProbeNodes(ctx context.Context, _ json.RawMessage) (any, error) {
	snapshot := h.registry.ProbeAll(ctx)
	h.cache.SetNodesHealth(ctx, snapshot)

	healthy := 0
	for _, n := range snapshot.Nodes {
		if n.Healthy {
			healthy++
		}
	}
	h.met.NodesHealthy.Set(float64(healthy))
	return snapshot, nil
}

// ExpireShares deletes all shares past their expiry.
func (h *Handlers) ExpireShares(ctx context.Context, _ json.RawMessage) (any, error) {
	n, err := h.store.DeleteExpiredShares(ctx, time.Now().UTC())
	if err != nil {
		return nil, errtypes.Transient{Err: err}
	}
	if n > 0 {
		h.log.WithField("count", n).Info("expired shares removed")
	}
	return map[string]int64{"deleted": n}, nil
}

// ReclaimOrphans removes files that failed more than a day ago: their
// replicas are deleted from the nodes best effort, then the rows cascade.
func (h *Handlers) ReclaimOrphans(ctx context.Context, _ json.RawMessage) (any, error) {
	cutoff := time.Now().UTC().Add(-h.orphanAge)
	ids, err := h.store.FailedFilesBefore(ctx, cutoff)
	if err != nil {
		return nil, errtypes.Transient{Err: err}
	}

	reclaimed := 0
	for _, fileID := range ids {
		chunks, err := h.store.ChunksByFile(ctx, fileID)
		if err != nil {
			return nil, errtypes.Transient{Err: err}
		}
		for _, chunk := range chunks {
			replicas, err := h.store.ReplicasByChunk(ctx, chunk.ID)
			if err != nil {
				return nil, errtypes.Transient{Err: err}
			}
			for _, replica := range replicas {
				if err := h.client.DeleteChunk(ctx, replica.NodeID, chunk.ID); err != nil {
					h.log.WithError(err).WithFields(logrus.Fields{
						"chunk_id": chunk.ID, "node": replica.NodeID,
					}).Warn("orphan delete failed")
				}
			}
		}
		if err := h.store.DeleteFile(ctx, fileID); err != nil {
			return nil, errtypes.Transient{Err: err}
		}
		reclaimed++
	}
	return map[string]int{"files_reclaimed": reclaimed}, nil
}

// RepairChunk brings a stored chunk back to the target replica count by
// copying a digest-valid payload onto healthy nodes that lack one.
func (h *Handlers) RepairChunk(ctx context.Context, rawArgs json.RawMessage) (any, error) {
	var args RepairArgs
	if err := json.Unmarshal(rawArgs, &args); err != nil {
		return nil, errtypes.Fatal{Err: fmt.Errorf("decode repair args: %w", err)}
	}

	chunk, err := h.store.ChunkByID(ctx, args.ChunkID)
	if err != nil {
		if errtypes.IsNotFound(err) {
			return nil, errtypes.Fatal{Err: err}
		}
		return nil, errtypes.Transient{Err: err}
	}
	if chunk.Status != metadata.ChunkStored {
		return RepairResult{ChunkID: chunk.ID}, nil
	}
	replicas, err := h.store.ReplicasByChunk(ctx, chunk.ID)
	if err != nil {
		return nil, errtypes.Transient{Err: err}
	}

	var payload []byte
	for _, replica := range replicas {
		rc, err := h.client.GetChunk(ctx, replica.NodeID, chunk.ID)
		if err != nil {
			continue
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			continue
		}
		if chunker.Digest(data) == chunk.Checksum {
			payload = data
			break
		}
	}
	if payload == nil {
		return nil, errtypes.IntegrityMismatch("chunk " + chunk.ID + ": no digest-valid replica to repair from")
	}

	holding := make(map[string]bool, len(replicas))
	for _, r := range replicas {
		holding[r.NodeID] = true
	}
	need := h.replicationFactor - len(replicas)

	var added []string
	for _, candidate := range h.registry.Sample(h.registry.Len()) {
		if need <= 0 {
			break
		}
		if holding[candidate] {
			continue
		}
		if _, err := h.client.PutChunk(ctx, candidate, chunk.ID, payload); err != nil {
			h.log.WithError(err).WithFields(logrus.Fields{
				"chunk_id": chunk.ID, "node": candidate,
			}).Warn("repair write failed")
			continue
		}
		added = append(added, candidate)
		need--
	}
	if len(added) > 0 {
		if err := h.store.CommitReplication(ctx, chunk.ID, added); err != nil {
			return nil, errtypes.Transient{Err: err}
		}
		h.met.ChunksRepaired.Add(float64(len(added)))
	}
	return RepairResult{ChunkID: chunk.ID, NewNodes: added}, nil
}
