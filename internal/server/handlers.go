package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hyperjump/sodan/internal/llm"
	"github.com/hyperjump/sodan/internal/models"
	"github.com/hyperjump/sodan/internal/storage"
	"go.uber.org/zap"
)

type searchRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k,omitempty"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		s.respondError(w, http.StatusBadRequest, "query is required")
		return
	}
	if req.TopK <= 0 {
		req.TopK = s.config.Retrieval.TopK
	}
	s.logger.Debug("search request", zap.String("query", req.Query), zap.Int("top_k", req.TopK))
	results, err := s.deps.RAG.Search(r.Context(), req.Query, req.TopK)
	if err != nil {
		s.logger.Error("search failed", zap.Error(err))
		s.respondFailure(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"query":   req.Query,
		"results": results,
		"count":   len(results),
	})
}

type askRequest struct {
	Question string `json:"question"`
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.logger.Debug("ask request", zap.String("question", req.Question))
	answer, err := s.deps.Consultant.Ask(r.Context(), req.Question)
	if err != nil {
		s.logger.Error("ask failed", zap.Error(err))
		s.respondFailure(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, answer)
}

type summarizeRequest struct {
	Content string `json:"content"`
}

func (s *Server) handleSummarize(w http.ResponseWriter, r *http.Request) {
	var req summarizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	summary, err := s.deps.Consultant.Summarize(r.Context(), req.Content)
	if err != nil {
		s.logger.Error("summarize failed", zap.Error(err))
		s.respondFailure(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"summary": summary})
}

type complianceRequest struct {
	Input        string `json:"input"`
	Requirements string `json:"requirements"`
}

func (s *Server) handleCompliance(w http.ResponseWriter, r *http.Request) {
	var req complianceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	assessment, err := s.deps.Consultant.CheckCompliance(r.Context(), req.Input, req.Requirements)
	if err != nil {
		s.logger.Error("compliance check failed", zap.Error(err))
		s.respondFailure(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"assessment": assessment})
}

type rankRequest struct {
	Query     string   `json:"query"`
	Texts     []string `json:"texts"`
	Threshold *float64 `json:"threshold,omitempty"`
	TopK      int      `json:"top_k,omitempty"`
}

// handleRank scores caller-supplied texts against a query without touching
// the index. Threshold defaults to the retrieval score threshold.
func (s *Server) handleRank(w http.ResponseWriter, r *http.Request) {
	var req rankRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		s.respondError(w, http.StatusBadRequest, "query is required")
		return
	}
	threshold := s.config.Retrieval.ScoreThreshold
	if req.Threshold != nil {
		threshold = *req.Threshold
	}
	ranked, err := s.deps.Embedder.RankTexts(r.Context(), req.Query, req.Texts, threshold, req.TopK)
	if err != nil {
		s.logger.Error("rank failed", zap.Error(err))
		s.respondFailure(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"query":   req.Query,
		"results": ranked,
		"count":   len(ranked),
	})
}

type completionRequest struct {
	Messages    []llm.Message `json:"messages"`
	Model       string        `json:"model,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

func (s *Server) handleCompletions(w http.ResponseWriter, r *http.Request) {
	var body completionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req := llm.Request{
		Messages:    body.Messages,
		Model:       body.Model,
		MaxTokens:   body.MaxTokens,
		Temperature: body.Temperature,
	}
	if body.Stream {
		s.streamCompletion(w, r, req)
		return
	}
	resp, err := s.deps.LLM.Complete(r.Context(), req)
	if err != nil {
		s.logger.Error("completion failed", zap.Error(err))
		s.respondFailure(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

// streamCompletion relays deltas as server-sent events. Once the first
// event is written, failures are reported in-band.
func (s *Server) streamCompletion(w http.ResponseWriter, r *http.Request, req llm.Request) {
	flusher, _ := w.(http.Flusher)
	started := false
	req.Stream = true
	req.OnDelta = func(delta string) {
		if !started {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.WriteHeader(http.StatusOK)
			started = true
		}
		writeEvent(w, map[string]string{"content": delta})
		if flusher != nil {
			flusher.Flush()
		}
	}
	resp, err := s.deps.LLM.Complete(r.Context(), req)
	if err != nil {
		s.logger.Error("streaming completion failed", zap.Error(err))
		if !started {
			s.respondFailure(w, err)
			return
		}
		writeEvent(w, map[string]string{"error": err.Error()})
		return
	}
	if !started {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
	}
	writeEvent(w, map[string]interface{}{"model": resp.Model, "finish_reason": resp.FinishReason, "usage": resp.Usage})
	fmt.Fprint(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}

func writeEvent(w http.ResponseWriter, v interface{}) {
	data, _ := json.Marshal(v)
	fmt.Fprintf(w, "data: %s\n\n", data)
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	if s.deps.Registry == nil {
		s.respondError(w, http.StatusNotImplemented, "source registry not configured")
		return
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if offset < 0 {
		offset = 0
	}
	sources, err := s.deps.Registry.ListSources(r.Context(), offset, limit)
	if err != nil {
		s.logger.Error("list documents failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	total, err := s.deps.Registry.CountSources(r.Context())
	if err != nil {
		s.logger.Error("count documents failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sources == nil {
		sources = []*storage.Source{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"documents": sources,
		"total":     total,
	})
}

type documentRequest struct {
	Path string `json:"path"`
}

func (s *Server) handleAddDocument(w http.ResponseWriter, r *http.Request) {
	var req documentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Path == "" {
		s.respondError(w, http.StatusBadRequest, "path is required")
		return
	}
	s.logger.Debug("add document request", zap.String("path", req.Path))
	if err := s.deps.RAG.AddDocument(r.Context(), req.Path); err != nil {
		s.logger.Error("indexing failed", zap.Error(err))
		s.respondFailure(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]string{"path": req.Path, "status": "indexed"})
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	source := r.URL.Query().Get("source")
	if source == "" {
		s.respondError(w, http.StatusBadRequest, "source is required")
		return
	}
	s.logger.Debug("delete document request", zap.String("source", source))
	n, err := s.deps.RAG.RemoveDocument(r.Context(), source)
	if err != nil {
		s.logger.Error("deletion failed", zap.Error(err))
		s.respondFailure(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"source": source, "removed": n, "status": "deleted"})
}

func (s *Server) handleRebuildIndex(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Index.Rebuild(r.Context()); err != nil {
		s.logger.Error("rebuild failed", zap.Error(err))
		s.respondFailure(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"status": "rebuilt", "count": s.deps.Index.Len()})
}

func (s *Server) handleResetIndex(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.RAG.Reset(r.Context()); err != nil {
		s.logger.Error("reset failed", zap.Error(err))
		s.respondFailure(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// handleClearCache empties the caches; with ?expired=true it only drops
// completions past their TTL.
func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	if expired, _ := strconv.ParseBool(r.URL.Query().Get("expired")); expired {
		purged := 0
		if s.deps.LLM != nil {
			purged = s.deps.LLM.PurgeExpiredCache()
		}
		s.respondJSON(w, http.StatusOK, map[string]interface{}{"status": "purged", "removed": purged})
		return
	}
	if s.deps.LLM != nil {
		s.deps.LLM.ClearCache()
	}
	if s.deps.Embedder != nil {
		s.deps.Embedder.ClearCache()
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"ready": s.deps.RAG.Ready(),
		"index": s.deps.Index.Stats(),
	}
	if s.deps.Registry != nil {
		ctx := r.Context()
		docCount, err := s.deps.Registry.CountSources(ctx)
		if err != nil {
			s.logger.Error("status: count sources failed", zap.Error(err))
			s.respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		chunkCount, err := s.deps.Registry.CountChunks(ctx)
		if err != nil {
			s.logger.Error("status: count chunks failed", zap.Error(err))
			s.respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp["documents"] = docCount
		resp["chunks"] = chunkCount
	}
	if s.deps.Embedder != nil {
		resp["embedding"] = s.deps.Embedder.ModelInfo()
		resp["embedding_cache"] = s.deps.Embedder.CacheLen()
	}
	if s.deps.LLM != nil {
		resp["model"] = s.deps.LLM.Model()
		resp["completion_cache"] = s.deps.LLM.CacheLen()
	}

	st := s.config.Storage
	resp["config"] = map[string]interface{}{
		"documents_path":     s.config.Retrieval.DocumentsPath,
		"chunk_size":         s.config.Retrieval.ChunkSize,
		"score_threshold":    s.config.Retrieval.ScoreThreshold,
		"keyword_fallback":   s.config.Retrieval.KeywordFallback,
		"database_path":      st.DatabasePath,
		"index_path":         st.IndexPath,
		"keyword_index_path": st.KeywordIndexPath,
	}
	if diskBytes, err := storage.DiskUsageBytes(st.DatabasePath, st.IndexPath, st.KeywordIndexPath); err == nil {
		resp["disk_usage_bytes"] = diskBytes
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWatchDirectoriesList(w http.ResponseWriter, r *http.Request) {
	if s.deps.Watch == nil {
		s.respondError(w, http.StatusNotImplemented, "watch not enabled")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"directories": s.deps.Watch.Directories()})
}

type watchAddRequest struct {
	Path string `json:"path"`
	Sync *bool  `json:"sync,omitempty"`
}

func (s *Server) handleWatchDirectoriesAdd(w http.ResponseWriter, r *http.Request) {
	if s.deps.Watch == nil {
		s.respondError(w, http.StatusNotImplemented, "watch not enabled")
		return
	}
	var req watchAddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Path == "" {
		s.respondError(w, http.StatusBadRequest, "path is required")
		return
	}
	abs, err := filepath.Abs(req.Path)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid path")
		return
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			s.respondError(w, http.StatusNotFound, "directory not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !info.IsDir() {
		s.respondError(w, http.StatusBadRequest, "path is not a directory")
		return
	}
	syncExisting := true
	if req.Sync != nil {
		syncExisting = *req.Sync
	}
	s.logger.Debug("watch add directory request", zap.String("path", abs), zap.Bool("sync_existing", syncExisting))
	if err := s.deps.Watch.AddDirectory(abs, syncExisting); err != nil {
		s.logger.Error("watch add directory failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]string{"path": abs, "status": "added"})
}

func (s *Server) handleWatchDirectoriesRemove(w http.ResponseWriter, r *http.Request) {
	if s.deps.Watch == nil {
		s.respondError(w, http.StatusNotImplemented, "watch not enabled")
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		s.respondError(w, http.StatusBadRequest, "path is required")
		return
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid path")
		return
	}
	if err := s.deps.Watch.RemoveDirectory(abs); err != nil {
		s.logger.Error("watch remove directory failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"path": abs, "status": "removed"})
}

// statusFor maps an operation error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrArgumentMismatch):
		return http.StatusBadRequest
	case errors.Is(err, fs.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, models.ErrPermanentProvider):
		return http.StatusBadGateway
	case errors.Is(err, models.ErrTransientProvider), errors.Is(err, models.ErrModelUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, llm.ErrClientClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondFailure(w http.ResponseWriter, err error) {
	s.respondError(w, statusFor(err), err.Error())
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
