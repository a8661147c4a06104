package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/chunkvault/chunkvault/pkg/errtypes"
)

const schema = `
CREATE TABLE IF NOT EXISTS files (
	id          TEXT PRIMARY KEY,
	owner_id    TEXT NOT NULL,
	name        TEXT NOT NULL,
	mime_type   TEXT NOT NULL,
	size        INTEGER NOT NULL,
	chunk_count INTEGER NOT NULL,
	checksum    TEXT NOT NULL,
	version     INTEGER NOT NULL DEFAULT 1,
	status      TEXT NOT NULL,
	created_at  DATETIME NOT NULL,
	updated_at  DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_files_owner_updated ON files (owner_id, updated_at DESC);

CREATE TABLE IF NOT EXISTS chunks (
	id          TEXT PRIMARY KEY,
	file_id     TEXT NOT NULL REFERENCES files (id) ON DELETE CASCADE,
	chunk_index INTEGER NOT NULL,
	size        INTEGER NOT NULL,
	checksum    TEXT NOT NULL,
	status      TEXT NOT NULL,
	created_at  DATETIME NOT NULL,
	UNIQUE (file_id, chunk_index)
);

CREATE TABLE IF NOT EXISTS chunk_replicas (
	id              TEXT PRIMARY KEY,
	chunk_id        TEXT NOT NULL REFERENCES chunks (id) ON DELETE CASCADE,
	storage_node_id TEXT NOT NULL,
	created_at      DATETIME NOT NULL,
	UNIQUE (chunk_id, storage_node_id)
);

CREATE TABLE IF NOT EXISTS file_shares (
	id           TEXT PRIMARY KEY,
	file_id      TEXT NOT NULL REFERENCES files (id) ON DELETE CASCADE,
	owner_id     TEXT NOT NULL,
	token        TEXT NOT NULL UNIQUE,
	expires_at   DATETIME,
	access_count INTEGER NOT NULL DEFAULT 0,
	created_at   DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_shares_expires ON file_shares (expires_at);
`

// SQLStore implements Store on database/sql. The default driver is
// mattn/go-sqlite3; the statements stick to ? placeholders and
// ON CONFLICT DO NOTHING, which sqlite and postgres both accept.
type SQLStore struct {
	db *sql.DB
}

// OpenSQL opens the metadata database, verifies the connection and
// bootstraps the schema. Long-lived workers get a pre-pinged pool with a
// 300 s connection lifetime.
func OpenSQL(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetConnMaxLifetime(300 * time.Second)
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("bootstrap schema: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// Close releases the connection pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// CreateFileWithChunks inserts the file and its chunk rows in one transaction.
func (s *SQLStore) CreateFileWithChunks(ctx context.Context, file *File, chunks []*Chunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO files (id, owner_id, name, mime_type, size, chunk_count, checksum, version, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		file.ID, file.OwnerID, file.Name, file.MIMEType, file.Size, file.ChunkCount,
		file.Checksum, file.Version, file.Status, file.CreatedAt, file.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert file %s: %w", file.ID, err)
	}

	for _, c := range chunks {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO chunks (id, file_id, chunk_index, size, checksum, status, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.FileID, c.Index, c.Size, c.Checksum, c.Status, c.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert chunk %d of file %s: %w", c.Index, file.ID, err)
		}
	}
	return tx.Commit()
}

func scanFile(row interface{ Scan(...any) error }) (*File, error) {
	var f File
	err := row.Scan(&f.ID, &f.OwnerID, &f.Name, &f.MIMEType, &f.Size, &f.ChunkCount,
		&f.Checksum, &f.Version, &f.Status, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

const fileColumns = `id, owner_id, name, mime_type, size, chunk_count, checksum, version, status, created_at, updated_at`

// FileByID returns the file or errtypes.NotFound.
func (s *SQLStore) FileByID(ctx context.Context, id string) (*File, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE id = ?`, id)
	f, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errtypes.NotFound("file " + id)
	}
	if err != nil {
		return nil, fmt.Errorf("select file %s: %w", id, err)
	}
	return f, nil
}

// ListFilesByOwner returns the owner's files, most recently updated first.
func (s *SQLStore) ListFilesByOwner(ctx context.Context, ownerID string) ([]File, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE owner_id = ? ORDER BY updated_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list files of %s: %w", ownerID, err)
	}
	defer rows.Close()

	var files []File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan file row: %w", err)
		}
		files = append(files, *f)
	}
	return files, rows.Err()
}

// SetFileStatus updates the status and bumps updated_at.
func (s *SQLStore) SetFileStatus(ctx context.Context, fileID string, status FileStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE files SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), fileID)
	if err != nil {
		return fmt.Errorf("update file %s status: %w", fileID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errtypes.NotFound("file " + fileID)
	}
	return nil
}

// FinishUpload flips uploading→completed and returns the final status.
func (s *SQLStore) FinishUpload(ctx context.Context, fileID string) (FileStatus, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var status FileStatus
	err = tx.QueryRowContext(ctx, `SELECT status FROM files WHERE id = ?`, fileID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errtypes.NotFound("file " + fileID)
	}
	if err != nil {
		return "", fmt.Errorf("select file %s status: %w", fileID, err)
	}
	if status != FileUploading {
		return status, tx.Commit()
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE files SET status = ?, updated_at = ? WHERE id = ?`,
		FileCompleted, time.Now().UTC(), fileID)
	if err != nil {
		return "", fmt.Errorf("complete file %s: %w", fileID, err)
	}
	return FileCompleted, tx.Commit()
}

const chunkColumns = `id, file_id, chunk_index, size, checksum, status, created_at`

func scanChunk(row interface{ Scan(...any) error }) (*Chunk, error) {
	var c Chunk
	err := row.Scan(&c.ID, &c.FileID, &c.Index, &c.Size, &c.Checksum, &c.Status, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ChunkByID returns the chunk or errtypes.NotFound.
func (s *SQLStore) ChunkByID(ctx context.Context, id string) (*Chunk, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE id = ?`, id)
	c, err := scanChunk(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errtypes.NotFound("chunk " + id)
	}
	if err != nil {
		return nil, fmt.Errorf("select chunk %s: %w", id, err)
	}
	return c, nil
}

// ChunksByFile returns the file's chunks in ascending index order.
func (s *SQLStore) ChunksByFile(ctx context.Context, fileID string) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE file_id = ? ORDER BY chunk_index ASC`, fileID)
	if err != nil {
		return nil, fmt.Errorf("list chunks of %s: %w", fileID, err)
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chunk row: %w", err)
		}
		chunks = append(chunks, *c)
	}
	return chunks, rows.Err()
}

// MarkChunkFailed sets the chunk status to failed.
func (s *SQLStore) MarkChunkFailed(ctx context.Context, chunkID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chunks SET status = ? WHERE id = ?`, ChunkFailed, chunkID)
	if err != nil {
		return fmt.Errorf("fail chunk %s: %w", chunkID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errtypes.NotFound("chunk " + chunkID)
	}
	return nil
}

// CommitReplication marks the chunk stored and records the acknowledged
// replicas in one transaction. Duplicate replicas are absorbed by the
// unique index, which makes re-delivered tasks harmless.
func (s *SQLStore) CommitReplication(ctx context.Context, chunkID string, nodeIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE chunks SET status = ? WHERE id = ?`, ChunkStored, chunkID)
	if err != nil {
		return fmt.Errorf("store chunk %s: %w", chunkID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errtypes.NotFound("chunk " + chunkID)
	}

	now := time.Now().UTC()
	for _, nodeID := range nodeIDs {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO chunk_replicas (id, chunk_id, storage_node_id, created_at)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT (chunk_id, storage_node_id) DO NOTHING`,
			newID(), chunkID, nodeID, now)
		if err != nil {
			return fmt.Errorf("insert replica of %s on %s: %w", chunkID, nodeID, err)
		}
	}
	return tx.Commit()
}

// ReplicasByChunk returns the chunk's replicas in insertion order.
func (s *SQLStore) ReplicasByChunk(ctx context.Context, chunkID string) ([]Replica, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chunk_id, storage_node_id, created_at FROM chunk_replicas
		 WHERE chunk_id = ? ORDER BY created_at ASC`, chunkID)
	if err != nil {
		return nil, fmt.Errorf("list replicas of %s: %w", chunkID, err)
	}
	defer rows.Close()

	var replicas []Replica
	for rows.Next() {
		var r Replica
		if err := rows.Scan(&r.ID, &r.ChunkID, &r.NodeID, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan replica row: %w", err)
		}
		replicas = append(replicas, r)
	}
	return replicas, rows.Err()
}

// CreateShare inserts the share row.
func (s *SQLStore) CreateShare(ctx context.Context, share *Share) error {
	var expires sql.NullTime
	if share.ExpiresAt != nil {
		expires = sql.NullTime{Time: *share.ExpiresAt, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO file_shares (id, file_id, owner_id, token, expires_at, access_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		share.ID, share.FileID, share.OwnerID, share.Token, expires, share.AccessCount, share.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert share %s: %w", share.ID, err)
	}
	return nil
}

// ShareByToken returns the share or errtypes.NotFound.
func (s *SQLStore) ShareByToken(ctx context.Context, token string) (*Share, error) {
	var sh Share
	var expires sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, file_id, owner_id, token, expires_at, access_count, created_at
		 FROM file_shares WHERE token = ?`, token).
		Scan(&sh.ID, &sh.FileID, &sh.OwnerID, &sh.Token, &expires, &sh.AccessCount, &sh.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errtypes.NotFound("share")
	}
	if err != nil {
		return nil, fmt.Errorf("select share: %w", err)
	}
	if expires.Valid {
		t := expires.Time
		sh.ExpiresAt = &t
	}
	return &sh, nil
}

// TouchShareAccess increments the access counter.
func (s *SQLStore) TouchShareAccess(ctx context.Context, shareID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE file_shares SET access_count = access_count + 1 WHERE id = ?`, shareID)
	if err != nil {
		return fmt.Errorf("touch share %s: %w", shareID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errtypes.NotFound("share " + shareID)
	}
	return nil
}

// DeleteExpiredShares removes shares past their expiry.
func (s *SQLStore) DeleteExpiredShares(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM file_shares WHERE expires_at IS NOT NULL AND expires_at < ?`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired shares: %w", err)
	}
	return res.RowsAffected()
}

// FilesForVerification returns ids of files eligible for the nightly sweep.
func (s *SQLStore) FilesForVerification(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM files WHERE status IN (?, ?)`, FileCompleted, FileVerified)
	if err != nil {
		return nil, fmt.Errorf("list files for verification: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// FailedFilesBefore returns ids of failed files last touched before cutoff.
func (s *SQLStore) FailedFilesBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM files WHERE status = ? AND updated_at < ?`, FileFailed, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list failed files: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// DeleteFile removes the file; dependents cascade.
func (s *SQLStore) DeleteFile(ctx context.Context, fileID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, fileID)
	if err != nil {
		return fmt.Errorf("delete file %s: %w", fileID, err)
	}
	return nil
}

func scanIDs(rows *sql.Rows) ([]string, error) {
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
