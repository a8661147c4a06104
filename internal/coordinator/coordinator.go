// Package coordinator owns the chunk lifecycle end to end: it splits
// uploads, drives replication through the task queue, commits the replica
// map, and serves reads from any surviving replica.
package coordinator

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/chunkvault/chunkvault/internal/cache"
	"github.com/chunkvault/chunkvault/internal/chunker"
	"github.com/chunkvault/chunkvault/internal/metadata"
	"github.com/chunkvault/chunkvault/internal/metrics"
	"github.com/chunkvault/chunkvault/internal/node"
	"github.com/chunkvault/chunkvault/internal/nodes"
	"github.com/chunkvault/chunkvault/internal/tasks"
	"github.com/chunkvault/chunkvault/pkg/errtypes"
)

// Options carries the coordinator's injected handles and tuning.
type Options struct {
	Store    metadata.Store
	Cache    *cache.ChunkCache
	Client   *node.Client
	Registry *nodes.Registry
	Broker   *tasks.Broker
	Metrics  *metrics.Metrics
	Logger   *logrus.Logger

	ChunkSize         int64
	ReplicationFactor int
	Fanout            int           // in-flight chunks per upload
	UploadDeadline    time.Duration // per-chunk quorum deadline
}

// Coordinator drives uploads and downloads against the metadata store, the
// cache, the storage nodes and the task queue.
type Coordinator struct {
	store    metadata.Store
	cache    *cache.ChunkCache
	client   *node.Client
	registry *nodes.Registry
	broker   *tasks.Broker
	met      *metrics.Metrics
	log      *logrus.Logger

	chunkSize         int64
	replicationFactor int
	fanout            int
	uploadDeadline    time.Duration
}

// New builds a coordinator from its options.
func New(opts Options) *Coordinator {
	if opts.Fanout < 1 {
		opts.Fanout = 4
	}
	return &Coordinator{
		store:             opts.Store,
		cache:             opts.Cache,
		client:            opts.Client,
		registry:          opts.Registry,
		broker:            opts.Broker,
		met:               opts.Metrics,
		log:               opts.Logger,
		chunkSize:         opts.ChunkSize,
		replicationFactor: opts.ReplicationFactor,
		fanout:            opts.Fanout,
		uploadDeadline:    opts.UploadDeadline,
	}
}

func (c *Coordinator) quorum() int {
	return c.replicationFactor/2 + 1
}

// StoreFile splits the stream into chunks, replicates each to quorum and
// commits the file. On any chunk falling short of quorum the file is marked
// failed and QuorumUnreachable is returned; chunks already stored stay in
// place for later reclamation.
func (c *Coordinator) StoreFile(ctx context.Context, ownerID, name, mime string, r io.Reader) (*metadata.File, error) {
	manifest, err := chunker.Split(r, c.chunkSize)
	if err != nil {
		return nil, fmt.Errorf("split upload: %w", err)
	}

	now := time.Now().UTC()
	file := &metadata.File{
		ID:         metadata.NewID(),
		OwnerID:    ownerID,
		Name:       name,
		MIMEType:   mime,
		Size:       manifest.Size,
		ChunkCount: manifest.ChunkCount(),
		Checksum:   manifest.Checksum,
		Version:    1,
		Status:     metadata.FileUploading,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	chunks := make([]*metadata.Chunk, len(manifest.Pieces))
	for i, piece := range manifest.Pieces {
		chunks[i] = &metadata.Chunk{
			ID:        metadata.NewID(),
			FileID:    file.ID,
			Index:     piece.Index,
			Size:      piece.Size,
			Checksum:  piece.Checksum,
			Status:    metadata.ChunkPending,
			CreatedAt: now,
		}
	}
	if err := c.store.CreateFileWithChunks(ctx, file, chunks); err != nil {
		return nil, fmt.Errorf("record upload: %w", err)
	}

	log := c.log.WithFields(logrus.Fields{
		"file_id": file.ID, "owner_id": ownerID, "chunks": file.ChunkCount, "size": file.Size,
	})

	g, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(int64(c.fanout))
	for i := range chunks {
		chunk, payload := chunks[i], manifest.Pieces[i].Data
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)
			return c.replicateChunk(gctx, chunk, payload)
		})
	}
	if err := g.Wait(); err != nil {
		if sErr := c.store.SetFileStatus(ctx, file.ID, metadata.FileFailed); sErr != nil {
			log.WithError(sErr).Error("mark file failed")
		}
		c.cache.InvalidateFile(ctx, file.ID, ownerID)
		log.WithError(err).Warn("upload failed")
		return nil, err
	}

	status, err := c.store.FinishUpload(ctx, file.ID)
	if err != nil {
		return nil, fmt.Errorf("finish upload: %w", err)
	}
	file.Status = status
	c.cache.InvalidateFile(ctx, file.ID, ownerID)

	if status == metadata.FileCompleted {
		if _, err := c.broker.Enqueue(ctx, tasks.TaskVerifyFile, tasks.VerifyArgs{FileID: file.ID}, 1); err != nil {
			log.WithError(err).Warn("enqueue verification failed")
		}
	}
	c.met.FilesUploaded.Inc()
	log.Info("upload completed")
	return file, nil
}

// replicateChunk submits one replication task and waits for quorum within
// the upload deadline.
func (c *Coordinator) replicateChunk(ctx context.Context, chunk *metadata.Chunk, payload []byte) error {
	healthy := c.registry.Healthy()
	if len(healthy) < c.quorum() {
		c.failChunk(ctx, chunk)
		return errtypes.QuorumUnreachable(fmt.Sprintf(
			"chunk %d: %d healthy nodes, need %d", chunk.Index, len(healthy), c.quorum()))
	}

	placement := c.registry.Sample(c.replicationFactor)
	taskID, err := c.broker.Enqueue(ctx, tasks.TaskReplicate, tasks.ReplicateArgs{
		ChunkID:           chunk.ID,
		Payload:           payload,
		Nodes:             placement,
		ReplicationFactor: c.replicationFactor,
	}, 0)
	if err != nil {
		c.failChunk(ctx, chunk)
		return fmt.Errorf("enqueue replication of chunk %d: %w", chunk.Index, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.uploadDeadline)
	defer cancel()
	res, err := c.broker.Await(waitCtx, taskID)
	if err != nil || !res.OK {
		c.failChunk(ctx, chunk)
		return errtypes.QuorumUnreachable(fmt.Sprintf("chunk %d did not reach quorum", chunk.Index))
	}
	return nil
}

func (c *Coordinator) failChunk(ctx context.Context, chunk *metadata.Chunk) {
	if err := c.store.MarkChunkFailed(ctx, chunk.ID); err != nil {
		c.log.WithError(err).WithField("chunk_id", chunk.ID).Error("mark chunk failed")
	}
}

// fileByID resolves a file through the file_metadata cache.
func (c *Coordinator) fileByID(ctx context.Context, fileID string) (*metadata.File, error) {
	if view, ok := c.cache.FileMeta(ctx, fileID); ok {
		return view.File(), nil
	}
	file, err := c.store.FileByID(ctx, fileID)
	if err != nil {
		return nil, err
	}
	c.cache.SetFileMeta(ctx, cache.NewFileView(file))
	return file, nil
}

// FetchFile streams the file back to its owner.
func (c *Coordinator) FetchFile(ctx context.Context, fileID, requesterID string) (*FileStream, error) {
	file, err := c.fileByID(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if file.OwnerID != requesterID {
		return nil, errtypes.AuthDenied("file " + fileID)
	}
	return c.openStream(ctx, file)
}

// FetchShared streams the file behind a share token. Expired shares return
// Expired without touching the access counter.
func (c *Coordinator) FetchShared(ctx context.Context, token string) (*FileStream, error) {
	share, err := c.shareByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if share.Expired(time.Now().UTC()) {
		return nil, errtypes.Expired("share")
	}

	if err := c.store.TouchShareAccess(ctx, share.ID); err != nil {
		return nil, fmt.Errorf("count share access: %w", err)
	}
	share.AccessCount++
	c.cache.SetShare(ctx, cache.NewShareView(share))

	file, err := c.fileByID(ctx, share.FileID)
	if err != nil {
		return nil, err
	}
	return c.openStream(ctx, file)
}

func (c *Coordinator) shareByToken(ctx context.Context, token string) (*metadata.Share, error) {
	if view, ok := c.cache.Share(ctx, token); ok {
		return view.Share(), nil
	}
	share, err := c.store.ShareByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	c.cache.SetShare(ctx, cache.NewShareView(share))
	return share, nil
}

// CreateShare issues a share token for a file the caller owns.
func (c *Coordinator) CreateShare(ctx context.Context, ownerID, fileID string, expiresIn *time.Duration) (*metadata.Share, error) {
	file, err := c.fileByID(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if file.OwnerID != ownerID {
		return nil, errtypes.AuthDenied("file " + fileID)
	}

	share := &metadata.Share{
		ID:        metadata.NewID(),
		FileID:    fileID,
		OwnerID:   ownerID,
		Token:     metadata.NewID(),
		CreatedAt: time.Now().UTC(),
	}
	if expiresIn != nil {
		t := share.CreatedAt.Add(*expiresIn)
		share.ExpiresAt = &t
	}
	if err := c.store.CreateShare(ctx, share); err != nil {
		return nil, fmt.Errorf("create share: %w", err)
	}
	c.cache.SetShare(ctx, cache.NewShareView(share))
	return share, nil
}

// ListFiles returns the owner's files, most recently updated first, through
// the user_files cache.
func (c *Coordinator) ListFiles(ctx context.Context, ownerID string) ([]metadata.File, error) {
	if views, ok := c.cache.UserFiles(ctx, ownerID); ok {
		files := make([]metadata.File, len(views))
		for i, v := range views {
			files[i] = *v.File()
		}
		return files, nil
	}

	files, err := c.store.ListFilesByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	views := make([]cache.FileView, len(files))
	for i := range files {
		views[i] = cache.NewFileView(&files[i])
	}
	c.cache.SetUserFiles(ctx, ownerID, views)
	return files, nil
}

// VerifyNow runs an integrity verification for a file the caller owns and
// waits for the report.
func (c *Coordinator) VerifyNow(ctx context.Context, fileID, requesterID string) (*tasks.VerifyResult, error) {
	file, err := c.fileByID(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if file.OwnerID != requesterID {
		return nil, errtypes.AuthDenied("file " + fileID)
	}

	taskID, err := c.broker.Enqueue(ctx, tasks.TaskVerifyFile, tasks.VerifyArgs{FileID: fileID}, 0)
	if err != nil {
		return nil, fmt.Errorf("enqueue verification: %w", err)
	}
	res, err := c.broker.Await(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("await verification: %w", err)
	}
	if !res.OK {
		return nil, fmt.Errorf("verification failed: %s", res.Error)
	}
	var report tasks.VerifyResult
	if err := res.Decode(&report); err != nil {
		return nil, fmt.Errorf("decode verification report: %w", err)
	}
	return &report, nil
}

func (c *Coordinator) openStream(ctx context.Context, file *metadata.File) (*FileStream, error) {
	chunks, err := c.store.ChunksByFile(ctx, file.ID)
	if err != nil {
		return nil, err
	}
	if len(chunks) != file.ChunkCount {
		return nil, errtypes.Fatal{Err: fmt.Errorf(
			"file %s: %d chunk rows for chunk_count %d", file.ID, len(chunks), file.ChunkCount)}
	}
	return newFileStream(ctx, file, chunks, c.fetchChunk, c.met.FilesDownloaded.Inc), nil
}

// fetchChunk resolves one chunk payload: cache first, then the replicas in
// shuffled order, accepting only digest-valid bytes.
func (c *Coordinator) fetchChunk(ctx context.Context, chunk *metadata.Chunk) ([]byte, error) {
	if data, ok := c.cache.ChunkData(ctx, chunk.ID); ok {
		if chunker.Digest(data) == chunk.Checksum {
			return data, nil
		}
		c.cache.InvalidateChunkData(ctx, chunk.ID)
	}

	replicas, err := c.store.ReplicasByChunk(ctx, chunk.ID)
	if err != nil {
		return nil, err
	}
	rand.Shuffle(len(replicas), func(i, j int) {
		replicas[i], replicas[j] = replicas[j], replicas[i]
	})

	for _, replica := range replicas {
		rc, err := c.client.GetChunk(ctx, replica.NodeID, chunk.ID)
		if err != nil {
			c.log.WithError(err).WithFields(logrus.Fields{
				"chunk_id": chunk.ID, "node": replica.NodeID,
			}).Debug("replica fetch failed")
			continue
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			continue
		}
		if chunker.Digest(data) != chunk.Checksum {
			c.log.WithFields(logrus.Fields{
				"chunk_id": chunk.ID, "node": replica.NodeID,
			}).Warn("replica digest mismatch")
			continue
		}
		c.cache.SetChunkData(ctx, chunk.ID, data)
		return data, nil
	}
	return nil, errtypes.ChunkUnavailable("chunk " + chunk.ID)
}
