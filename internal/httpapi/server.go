package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/hamed0406/gefion/internal/domain"
	apimw "github.com/hamed0406/gefion/internal/httpapi/middleware"
	"github.com/hamed0406/gefion/internal/reconcile"
	"github.com/hamed0406/gefion/internal/repo"
)

type Reconciler interface {
	Reconcile(ctx context.Context, monitorID, versionID string, out domain.CheckOutcome) error
}

var _ Reconciler = (*reconcile.Engine)(nil)

type RateLimit struct {
	PerMinute int `yaml:"per_minute"`
	Burst     int `yaml:"burst"`
	// TrustProxy takes the client address from X-Real-IP/X-Forwarded-For.
	// Only set it when the master sits behind a proxy that overwrites them.
	TrustProxy bool `yaml:"trust_proxy"`
}

// Server is the master's HTTP surface: monitor assignment for workers and
// the result endpoint.
type Server struct {
	Logger    *zap.Logger
	Monitors  repo.MonitorStore
	Engine    Reconciler
	Workers   apimw.Workers
	RateLimit RateLimit
	Metrics   http.Handler
}

func NewServer(l *zap.Logger, store repo.MonitorStore, engine Reconciler, workers apimw.Workers) *Server {
	return &Server{Logger: l, Monitors: store, Engine: engine, Workers: workers}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(apimw.RequestID)
	if s.RateLimit.TrustProxy {
		r.Use(chimw.RealIP)
	}
	r.Use(chimw.Recoverer)
	r.Use(apimw.AccessLog(s.Logger))
	r.Use(cors.AllowAll().Handler)

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	if s.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(apimw.RequireWorker(s.Workers))
		r.Get("/monitors", s.handleListMonitors)
		r.Get("/monitors/{id}", s.handleGetMonitor)
	})

	r.With(apimw.RateLimit(s.RateLimit.PerMinute, s.RateLimit.Burst)).
		Post("/result", s.handleResult)

	return r
}

// monitorView is the wire shape of one assigned monitor.
type monitorView struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	UniqueID  string         `json:"unique_id"`
	Check     string         `json:"check"`
	Arguments map[string]any `json:"arguments"`
	Worker    string         `json:"worker"`
	Frequency int            `json:"frequency"`
}

func (s *Server) handleListMonitors(w http.ResponseWriter, r *http.Request) {
	worker := apimw.WorkerName(r.Context())
	mons, err := s.Monitors.ListByWorker(r.Context(), worker)
	if err != nil {
		s.Logger.Error("list_monitors_error", zap.String("worker", worker), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list error")
		return
	}

	views := make([]monitorView, 0, len(mons))
	for _, m := range mons {
		d := m.Definition
		args := d.ProbeArgs
		if args == nil {
			args = map[string]any{}
		}
		views = append(views, monitorView{
			ID:        d.MonitorID,
			Name:      m.State.Name,
			UniqueID:  d.VersionID,
			Check:     d.ProbeKind,
			Arguments: args,
			Worker:    d.Worker,
			Frequency: d.IntervalSeconds,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"monitors": views})
}

func (s *Server) handleGetMonitor(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	m, err := s.Monitors.Find(r.Context(), id, "")
	if err != nil {
		s.Logger.Error("get_monitor_error", zap.String("monitor_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "lookup error")
		return
	}
	if m == nil {
		writeError(w, http.StatusNotFound, "unknown monitor")
		return
	}
	writeJSON(w, http.StatusOK, m.State)
}

// handleResult takes the form fields id, unique_id and result (a JSON
// outcome) and answers 204 when the master accepted it.
func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "bad form")
		return
	}
	id := r.PostForm.Get("id")
	uniqueID := r.PostForm.Get("unique_id")
	raw := r.PostForm.Get("result")
	if (id == "" && uniqueID == "") || raw == "" {
		writeError(w, http.StatusBadRequest, "id and result are required")
		return
	}

	var out domain.CheckOutcome
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		writeError(w, http.StatusBadRequest, "bad result")
		return
	}
	if out.RuntimeSeconds < 0 {
		out.RuntimeSeconds = 0
	}

	err := s.Engine.Reconcile(r.Context(), id, uniqueID, out)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, domain.ErrUnknownMonitor):
		writeError(w, http.StatusForbidden, "unknown monitor")
	default:
		s.Logger.Error("result_error",
			zap.String("request_id", apimw.GetRequestID(r.Context())),
			zap.String("monitor_id", id),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "storage error")
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
