package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/7-4-7/Deep-Image-Retreival/config"
	"github.com/7-4-7/Deep-Image-Retreival/database"
	"github.com/7-4-7/Deep-Image-Retreival/pipeline"
	"github.com/7-4-7/Deep-Image-Retreival/queue"
	"github.com/7-4-7/Deep-Image-Retreival/services"
	"github.com/7-4-7/Deep-Image-Retreival/storage"
)

const maxUploadBytes = 32 << 20

type server struct {
	cfg    *config.Config
	media  *storage.MediaStore
	ingest *pipeline.IngestPipeline
	query  *pipeline.QueryHandler
	queue  *queue.Queue // nil when redis is unavailable
	log    *slog.Logger
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config: ", err)
	}

	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatal("database: ", err)
	}
	logger.Info("database connected")

	media, err := storage.NewMediaStore(cfg.IncomingDir, cfg.ArchiveDir)
	if err != nil {
		log.Fatal("media store: ", err)
	}

	captioner := services.NewCaptionClient(services.CaptionConfig{
		APIKey:  cfg.CaptionAPIKey,
		BaseURL: cfg.CaptionBaseURL,
		Model:   cfg.CaptionModel,
		Timeout: cfg.CaptionTimeout,
		Logger:  logger,
	})
	embedder := services.NewCLIPClient(cfg.CLIPHost, cfg.CLIPPort, cfg.CLIPTimeout)
	store := services.NewVectorStore(db, cfg.IndexName, logger)

	srv := &server{
		cfg:   cfg,
		media: media,
		ingest: pipeline.NewIngestPipeline(media, captioner, embedder, store,
			cfg.Namespace, cfg.EmbeddingDim, logger),
		query: pipeline.NewQueryHandler(embedder, store, cfg.Namespace, logger),
		log:   logger,
	}

	if q, err := queue.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB); err != nil {
		logger.Warn("redis unavailable, async uploads disabled", "error", err)
	} else {
		srv.queue = q
	}

	r := mux.NewRouter()
	r.Use(srv.requestLogging)
	r.HandleFunc("/", srv.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/upload-image", srv.handleUpload).Methods(http.MethodPost)
	r.HandleFunc("/upload-image-async", srv.handleUploadAsync).Methods(http.MethodPost)
	r.HandleFunc("/tasks/{id}", srv.handleTaskStatus).Methods(http.MethodGet)
	r.HandleFunc("/search-endpoint", srv.handleSearch).Methods(http.MethodPost)

	// Archived images are served under /photos/ so the paths returned by
	// search resolve directly.
	fs := http.FileServer(http.Dir(cfg.MediaRoot))
	r.PathPrefix("/photos/").Handler(http.StripPrefix("/photos/", fs))

	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://127.0.0.1:5173", "http://localhost:3000", "http://127.0.0.1:3000"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	}).Handler(r)

	addr := fmt.Sprintf(":%d", cfg.Port)
	logger.Info("server listening", "addr", addr)
	log.Fatal(http.ListenAndServe(addr, handler))
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "alive"})
}

// handleUpload runs the full ingest pipeline synchronously and returns the
// id -> captions mapping plus any per-image failures.
func (s *server) handleUpload(w http.ResponseWriter, r *http.Request) {
	uploads, err := readUploads(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := s.ingest.Run(r.Context(), uploads)
	if err != nil {
		writeError(w, ingestStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleUploadAsync persists files and hands captioning/embedding to the
// worker via the queue.
func (s *server) handleUploadAsync(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("task queue unavailable"))
		return
	}

	uploads, err := readUploads(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	stored, err := s.media.Persist(uploads)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	ids := make([]string, 0, len(stored))
	for _, img := range stored {
		ids = append(ids, img.ID)
	}
	taskID, err := s.queue.Enqueue(r.Context(), queue.IngestQueue, queue.TaskTypeIngestIncoming,
		map[string]any{"image_ids": ids})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"task_id": taskID, "image_ids": ids})
}

func (s *server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("task queue unavailable"))
		return
	}

	taskID := mux.Vars(r)["id"]
	status, err := s.queue.GetTaskStatus(r.Context(), taskID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	result, err := s.queue.GetTaskResult(r.Context(), taskID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"task_id": taskID,
		"status":  status,
		"result":  result,
	})
}

func (s *server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SearchPhrase string `json:"search_phrase"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	paths, err := s.query.Search(r.Context(), req.SearchPhrase, s.cfg.DefaultTopK)
	if err != nil {
		// Bad input is the caller's fault; embedding and store failures are
		// upstream. An empty result list is not an error and returns 200.
		writeError(w, searchStatus(err), err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"retrieved_images": paths})
}

func (s *server) requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Info("request completed",
			"method", r.Method,
			"path", r.URL.Path,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// readUploads pulls every file out of the multipart form field "files".
func readUploads(r *http.Request) ([]storage.Upload, error) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return nil, fmt.Errorf("parse multipart form: %w", err)
	}
	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		return nil, errors.New("no files provided")
	}

	uploads := make([]storage.Upload, 0, len(headers))
	for _, header := range headers {
		file, err := header.Open()
		if err != nil {
			return nil, fmt.Errorf("open upload %s: %w", header.Filename, err)
		}
		data, err := io.ReadAll(file)
		file.Close()
		if err != nil {
			return nil, fmt.Errorf("read upload %s: %w", header.Filename, err)
		}
		uploads = append(uploads, storage.Upload{Filename: header.Filename, Data: data})
	}
	return uploads, nil
}

func searchStatus(err error) int {
	var queryErr *pipeline.QueryError
	if errors.As(err, &queryErr) && queryErr.Stage == pipeline.StageInput {
		return http.StatusBadRequest
	}
	return http.StatusBadGateway
}

func ingestStatus(err error) int {
	var storeErr *services.StoreError
	if errors.As(err, &storeErr) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("write response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
