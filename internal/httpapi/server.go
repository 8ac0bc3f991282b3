package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jnyjxn/angiogen-render/internal/blob"
	"github.com/jnyjxn/angiogen-render/internal/engine"
	"github.com/jnyjxn/angiogen-render/internal/jobs"
	"github.com/jnyjxn/angiogen-render/internal/model"
	"github.com/jnyjxn/angiogen-render/internal/relay"
	"github.com/jnyjxn/angiogen-render/internal/store"
	"github.com/jnyjxn/angiogen-render/internal/viewset"
)

const maxRequestBody = 8 << 20

type Server struct {
	Engine    *engine.Engine
	Registry  *jobs.Registry
	Jobs      *store.SQLite
	Hub       *Hub
	Meshes    blob.LocalFS
	Relay     *relay.MQTT // optional
	StaticDir string      // optional web client
}

func (s Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(cors)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/render", s.handleRender)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Get("/jobs/{id}/request", s.handleGetRequest)
		r.Get("/ws/{id}", s.handleWS)
		r.Get("/viewsets/{kind}", s.handleViewSet)
		r.Get("/artifacts/*", s.handleGetArtifact)
		r.Get("/stats", s.handleStats)
	})

	if s.StaticDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(s.StaticDir)))
	}
	return r
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s Server) handleRender(w http.ResponseWriter, r *http.Request) {
	var req model.RenderRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid JSON body: %w", err))
		return
	}

	snap, err := s.Engine.Submit(r.Context(), req)
	if err != nil {
		if errors.Is(err, engine.ErrInvalidRequest) {
			writeErr(w, http.StatusBadRequest, err)
			return
		}
		writeErr(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"status": "ok", "jobId": snap.ID})
}

// lookup prefers the live registry and falls back to stored history.
func (s Server) lookup(r *http.Request, id string) (model.JobSnapshot, error) {
	snap, err := s.Registry.Snapshot(id)
	if err == nil || s.Jobs == nil {
		return snap, err
	}
	return s.Jobs.GetJob(r.Context(), id)
}

func (s Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	snap, err := s.lookup(r, chi.URLParam(r, "id"))
	if err != nil {
		writeLookupErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	if s.Jobs == nil {
		writeErr(w, http.StatusNotFound, fmt.Errorf("job history disabled"))
		return
	}
	body, err := s.Jobs.GetRequest(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeLookupErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, body)
}

func (s Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	var status *model.JobStatus
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		parsed := model.JobStatus(raw)
		switch parsed {
		case model.JobRunning, model.JobCompleted:
			status = &parsed
		default:
			writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid status: %s", raw))
			return
		}
	}

	limit := 25
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid limit: %s", raw))
			return
		}
		limit = min(value, 100)
	}

	var out []model.JobSnapshot
	if s.Jobs != nil {
		stored, err := s.Jobs.ListJobs(r.Context(), status, limit)
		if err != nil {
			writeErr(w, http.StatusInternalServerError, err)
			return
		}
		out = stored
	} else {
		for _, snap := range s.Registry.Jobs() {
			if status != nil && snap.Status != *status {
				continue
			}
			if len(out) == limit {
				break
			}
			out = append(out, snap)
		}
	}
	if out == nil {
		out = []model.JobSnapshot{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.lookup(r, id); err != nil {
		writeLookupErr(w, err)
		return
	}
	s.Hub.Serve(w, r, id, s.storedSnapshot)
}

func (s Server) storedSnapshot(ctx context.Context, id string) (model.JobSnapshot, error) {
	if s.Jobs == nil {
		return model.JobSnapshot{}, model.ErrNotFound
	}
	return s.Jobs.GetJob(ctx, id)
}

func (s Server) handleViewSet(w http.ResponseWriter, r *http.Request) {
	gen := model.Generator{Kind: chi.URLParam(r, "kind"), Count: 100}
	q := r.URL.Query()
	if raw := strings.TrimSpace(q.Get("count")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil {
			writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid count: %s", raw))
			return
		}
		gen.Count = value
	}
	if raw := strings.TrimSpace(q.Get("seed")); raw != "" {
		value, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid seed: %s", raw))
			return
		}
		gen.Seed = value
	}

	angles, err := viewset.Generate(gen)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, model.ViewSet{Name: gen.Kind, Angles: angles})
}

// handleGetArtifact serves rendered archives and PNGs from the mesh root.
func (s Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimPrefix(chi.URLParam(r, "*"), "/")
	if raw == "" || raw == "." {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("missing artifact path"))
		return
	}
	clean := filepath.Clean(raw)
	if clean == "." || strings.HasPrefix(clean, "..") || strings.Contains(clean, string(filepath.Separator)+"..") {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid artifact path"))
		return
	}
	if !s.Meshes.Exists(clean) {
		writeErr(w, http.StatusNotFound, fmt.Errorf("artifact not found"))
		return
	}
	f, err := s.Meshes.Open(clean)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	defer f.Close()
	if info, err := f.Stat(); err != nil || info.IsDir() {
		writeErr(w, http.StatusNotFound, fmt.Errorf("artifact not found"))
		return
	}

	buf := make([]byte, 512)
	n, _ := f.Read(buf)
	contentType := http.DetectContentType(buf[:n])
	switch {
	case strings.HasSuffix(clean, ".msgpack"):
		contentType = "application/msgpack"
	case strings.HasSuffix(clean, ".msgpack.gz"):
		contentType = "application/gzip"
	default:
		if mimeType := mime.TypeByExtension(filepath.Ext(clean)); mimeType != "" {
			if contentType == "application/octet-stream" || strings.HasPrefix(contentType, "text/plain") {
				contentType = mimeType
			}
		}
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-store")
	_, _ = io.Copy(w, f)
}

func (s Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"jobs":      len(s.Registry.Jobs()),
		"websocket": s.Hub.Stats(),
	}
	if s.Relay != nil {
		resp["mqtt"] = s.Relay.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeLookupErr(w http.ResponseWriter, err error) {
	if errors.Is(err, model.ErrNotFound) {
		writeErr(w, http.StatusNotFound, fmt.Errorf("job not found"))
		return
	}
	writeErr(w, http.StatusInternalServerError, err)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{"error": err.Error()})
}
