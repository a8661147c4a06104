package node

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/chunkvault/chunkvault/pkg/errtypes"
)

// MaxChunkSize caps a single chunk body at 100 MiB.
const MaxChunkSize = 100 * 1024 * 1024

// Server is the node's HTTP surface. The node sits on a trusted network and
// carries no authentication.
type Server struct {
	id    string
	store *BlobStore
	log   *logrus.Logger
}

// NewServer builds the HTTP surface over a blob store.
func NewServer(id string, store *BlobStore, log *logrus.Logger) *Server {
	return &Server{id: id, store: store, log: log}
}

// Router wires the wire contract onto a chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestLogger)

	r.Put("/chunk/{id}", s.handlePut)
	r.Get("/chunk/{id}", s.handleGet)
	r.Delete("/chunk/{id}", s.handleDelete)
	r.Get("/chunk/{id}/info", s.handleInfo)
	r.Get("/health", s.handleHealth)
	r.Get("/storage/stats", s.handleStats)
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start).String(),
		}).Debug("request served")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// PutResponse is the body returned by PUT /chunk/{id}.
type PutResponse struct {
	ChunkID  string `json:"chunk_id"`
	Checksum string `json:"checksum"`
	Size     int64  `json:"size"`
	Status   string `json:"status"`
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	body := http.MaxBytesReader(w, r.Body, MaxChunkSize)
	defer body.Close()

	checksum, size, err := s.store.Put(id, body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("chunk exceeds %d bytes", MaxChunkSize))
			return
		}
		s.log.WithError(err).WithField("chunk_id", id).Error("put failed")
		writeError(w, http.StatusInternalServerError, "failed to store chunk")
		return
	}
	writeJSON(w, http.StatusOK, PutResponse{
		ChunkID:  id,
		Checksum: checksum,
		Size:     size,
		Status:   "stored",
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rc, err := s.store.Get(id)
	if err != nil {
		if errtypes.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "chunk not found")
			return
		}
		s.log.WithError(err).WithField("chunk_id", id).Error("get failed")
		writeError(w, http.StatusInternalServerError, "failed to read chunk")
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Chunk-ID", id)
	if size, err := s.store.Size(id); err == nil {
		w.Header().Set("X-Chunk-Size", fmt.Sprintf("%d", size))
	}
	if _, err := io.Copy(w, rc); err != nil {
		s.log.WithError(err).WithField("chunk_id", id).Warn("get stream aborted")
	}
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.Delete(id); err != nil {
		s.log.WithError(err).WithField("chunk_id", id).Error("delete failed")
		writeError(w, http.StatusInternalServerError, "failed to delete chunk")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"chunk_id": id, "status": "deleted"})
}

// InfoResponse is the body returned by GET /chunk/{id}/info.
type InfoResponse struct {
	ChunkID string `json:"chunk_id"`
	Exists  bool   `json:"exists"`
	Size    int64  `json:"size"`
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.store.Exists(id) {
		writeJSON(w, http.StatusNotFound, InfoResponse{ChunkID: id, Exists: false})
		return
	}
	size, err := s.store.Size(id)
	if err != nil {
		s.log.WithError(err).WithField("chunk_id", id).Error("info failed")
		writeError(w, http.StatusInternalServerError, "failed to stat chunk")
		return
	}
	writeJSON(w, http.StatusOK, InfoResponse{ChunkID: id, Exists: true, Size: size})
}

// HealthResponse is the body returned by GET /health.
type HealthResponse struct {
	Status  string       `json:"status"`
	NodeID  string       `json:"node_id"`
	Storage StorageStats `json:"storage"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats()
	if err != nil {
		s.log.WithError(err).Error("stats failed")
		writeError(w, http.StatusInternalServerError, "failed to collect stats")
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "healthy",
		NodeID:  s.id,
		Storage: stats,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats()
	if err != nil {
		s.log.WithError(err).Error("stats failed")
		writeError(w, http.StatusInternalServerError, "failed to collect stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
