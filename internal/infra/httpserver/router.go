package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	appscans "github.com/bryanwahyu/armoureye/internal/application/scans"
	domai "github.com/bryanwahyu/armoureye/internal/domain/ai"
	"github.com/bryanwahyu/armoureye/internal/domain/scanerrors"
	domain "github.com/bryanwahyu/armoureye/internal/domain/scans"
	"github.com/bryanwahyu/armoureye/internal/middleware"
)

// Scans is the orchestrator as seen by the control surface.
type Scans interface {
	Start(ctx context.Context, cmd appscans.StartCommand) (appscans.StartResult, error)
	Status(ctx context.Context, id domain.ScanID) (*domain.Job, error)
	Logs(ctx context.Context, id domain.ScanID) ([]domain.LogEntry, error)
	Report(ctx context.Context, id domain.ScanID) (*domain.Report, error)
	History(ctx context.Context) ([]domain.Summary, error)
	Active() []domain.Summary
	Pause(ctx context.Context, id domain.ScanID) error
	Resume(ctx context.Context, id domain.ScanID) error
	Stop(ctx context.Context, id domain.ScanID) error
}

// EndpointChecker checks the configured enrichment collaborator.
type EndpointChecker interface {
	CheckEndpoint(ctx context.Context) domai.EndpointStatus
}

// Options of the router. Archive, Errors, AI, Metrics and RateLimiter are optional.
type Options struct {
	Scans       Scans
	Archive     domain.ReportArchive
	Errors      scanerrors.Repository
	AI          EndpointChecker
	Metrics     *middleware.Metrics
	RateLimiter *middleware.RateLimiter
	Checks      map[string]middleware.HealthChecker
	CORSOrigins []string
	Log         *zap.Logger
}

type Router struct {
	scans      Scans
	archive    domain.ReportArchive
	scanErrors scanerrors.Repository
	ai         EndpointChecker
	log        *zap.Logger
}

func NewRouter(o Options) http.Handler {
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	r := &Router{scans: o.Scans, archive: o.Archive, scanErrors: o.Errors, ai: o.AI, log: o.Log.Named("http")}
	mux := chi.NewRouter()

	mux.Use(middleware.Logging(o.Log))
	if o.Metrics != nil {
		mux.Use(o.Metrics.Middleware)
	}
	if len(o.CORSOrigins) > 0 {
		mux.Use(cors.Handler(cors.Options{
			AllowedOrigins: o.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}
	if o.RateLimiter != nil {
		mux.Use(o.RateLimiter.Middleware)
	}

	mux.Get("/health", middleware.HealthHandler(o.Checks))
	mux.Get("/readyz", middleware.ReadinessHandler(o.Checks))
	mux.Get("/livez", middleware.LivenessHandler)
	if o.Metrics != nil {
		mux.Method(http.MethodGet, "/metrics", o.Metrics.Handler())
	}

	mux.Route("/v1", func(rt chi.Router) {
		rt.Post("/scans", r.wrap(r.handleStart))
		rt.Get("/scans", r.wrap(r.handleList))
		rt.Route("/scans/{id}", func(rt chi.Router) {
			rt.Get("/", r.wrap(r.handleGet))
			rt.Get("/logs", r.wrap(r.handleLogs))
			rt.Get("/report", r.wrap(r.handleReport))
			rt.Get("/errors", r.wrap(r.handleErrors))
			rt.Post("/pause", r.wrap(r.control(r.scans.Pause)))
			rt.Post("/resume", r.wrap(r.control(r.scans.Resume)))
			rt.Post("/stop", r.wrap(r.control(r.scans.Stop)))
		})
		rt.Get("/reports/latest", r.wrap(r.handleLatest))
		rt.Get("/reports", r.wrap(r.handleReports))
		rt.Get("/reports/{id}", r.wrap(r.handleArchived))
		rt.Get("/summary", r.wrap(r.handleSummary))
		rt.Get("/ai/health", r.wrap(r.handleAIHealth))
	})

	return mux
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

var errArchiveDisabled = errors.New("report archive is not configured")

func (r *Router) wrap(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		err := h(w, req)
		if err == nil {
			return
		}
		var ve *middleware.ValidationError
		switch {
		case errors.As(err, &ve), errors.Is(err, domain.ErrInvalidTarget):
			writeError(w, http.StatusBadRequest, err)
		case errors.Is(err, domain.ErrNotFound):
			writeError(w, http.StatusNotFound, err)
		case errors.Is(err, domain.ErrInvalidTransition):
			writeError(w, http.StatusConflict, err)
		case errors.Is(err, domai.ErrQuotaExceeded):
			writeError(w, http.StatusTooManyRequests, err)
		case errors.Is(err, errArchiveDisabled):
			writeError(w, http.StatusNotImplemented, err)
		default:
			r.log.Error("handler failed", zap.String("path", req.URL.Path), zap.Error(err))
			writeError(w, http.StatusInternalServerError, err)
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	return json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	_ = writeJSON(w, code, map[string]string{"error": err.Error()})
}

func scanID(req *http.Request) domain.ScanID {
	return domain.ScanID(chi.URLParam(req, "id"))
}

func queryInt(req *http.Request, key string) int {
	n, _ := strconv.Atoi(req.URL.Query().Get(key))
	return n
}

type startRequest struct {
	TargetID string          `json:"target_id"`
	IP       string          `json:"ip"`
	Image    string          `json:"image"`
	Profile  string          `json:"profile"`
	Metadata domain.Metadata `json:"metadata"`
}

func (b startRequest) validate() error {
	if err := middleware.ValidateTargetID(b.TargetID); err != nil {
		return err
	}
	if err := middleware.ValidateIP(b.IP); err != nil {
		return err
	}
	if err := middleware.ValidateImage(b.Image); err != nil {
		return err
	}
	if err := middleware.ValidateImage(b.Metadata.Image); err != nil {
		return err
	}
	if err := middleware.ValidateProfile(b.Profile); err != nil {
		return err
	}
	return middleware.ValidatePorts(b.Metadata.Ports)
}

// POST /v1/scans
// Body: {"target_id", "ip", "profile", "image", "metadata"}
func (r *Router) handleStart(w http.ResponseWriter, req *http.Request) error {
	var body startRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, 1<<20)).Decode(&body); err != nil {
		return &middleware.ValidationError{Field: "body", Reason: err.Error()}
	}
	body.TargetID = middleware.SanitizeString(body.TargetID)
	body.IP = middleware.SanitizeString(body.IP)
	body.Image = middleware.SanitizeString(body.Image)
	body.Metadata.Image = middleware.SanitizeString(body.Metadata.Image)
	if err := body.validate(); err != nil {
		return err
	}

	res, err := r.scans.Start(req.Context(), appscans.StartCommand{
		TargetID: body.TargetID,
		IP:       body.IP,
		Image:    body.Image,
		Profile:  domain.Profile(body.Profile),
		Metadata: body.Metadata,
	})
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusAccepted, res)
}

// GET /v1/scans
func (r *Router) handleList(w http.ResponseWriter, req *http.Request) error {
	hist, err := r.scans.History(req.Context())
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, map[string]any{
		"active":  r.scans.Active(),
		"history": hist,
	})
}

// GET /v1/scans/{id}
func (r *Router) handleGet(w http.ResponseWriter, req *http.Request) error {
	j, err := r.scans.Status(req.Context(), scanID(req))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, j)
}

// GET /v1/scans/{id}/logs
func (r *Router) handleLogs(w http.ResponseWriter, req *http.Request) error {
	logs, err := r.scans.Logs(req.Context(), scanID(req))
	if err != nil {
		return err
	}
	if logs == nil {
		logs = []domain.LogEntry{}
	}
	return writeJSON(w, http.StatusOK, logs)
}

// GET /v1/scans/{id}/report
func (r *Router) handleReport(w http.ResponseWriter, req *http.Request) error {
	rep, err := r.scans.Report(req.Context(), scanID(req))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, rep)
}

// GET /v1/scans/{id}/errors?limit=
func (r *Router) handleErrors(w http.ResponseWriter, req *http.Request) error {
	if r.scanErrors == nil {
		return errArchiveDisabled
	}
	list, err := r.scanErrors.ListByScan(req.Context(), string(scanID(req)), middleware.ValidateLimit(queryInt(req, "limit")))
	if err != nil {
		return err
	}
	if list == nil {
		list = []*scanerrors.ScanError{}
	}
	return writeJSON(w, http.StatusOK, list)
}

// POST /v1/scans/{id}/pause|resume|stop
func (r *Router) control(fn func(context.Context, domain.ScanID) error) handlerFunc {
	return func(w http.ResponseWriter, req *http.Request) error {
		id := scanID(req)
		if err := fn(req.Context(), id); err != nil {
			return err
		}
		j, err := r.scans.Status(req.Context(), id)
		if err != nil {
			return err
		}
		return writeJSON(w, http.StatusOK, j.Summarize())
	}
}

// GET /v1/reports/latest?limit=20
func (r *Router) handleLatest(w http.ResponseWriter, req *http.Request) error {
	if r.archive == nil {
		return errArchiveDisabled
	}
	list, err := r.archive.Latest(req.Context(), middleware.ValidateLimit(queryInt(req, "limit")))
	if err != nil {
		return err
	}
	if list == nil {
		list = []*domain.ArchivedReport{}
	}
	return writeJSON(w, http.StatusOK, list)
}

// GET /v1/reports?page=&page_size=
func (r *Router) handleReports(w http.ResponseWriter, req *http.Request) error {
	if r.archive == nil {
		return errArchiveDisabled
	}
	res, err := r.archive.Paginate(req.Context(), queryInt(req, "page"), middleware.ValidateLimit(queryInt(req, "page_size")))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, res)
}

// GET /v1/reports/{id}
func (r *Router) handleArchived(w http.ResponseWriter, req *http.Request) error {
	if r.archive == nil {
		return errArchiveDisabled
	}
	rep, err := r.archive.Get(req.Context(), scanID(req))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, rep)
}

// GET /v1/summary?days=7
func (r *Router) handleSummary(w http.ResponseWriter, req *http.Request) error {
	if r.archive == nil {
		return errArchiveDisabled
	}
	summary, err := r.archive.Summary(req.Context(), middleware.ValidateDays(queryInt(req, "days")))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, summary)
}

// GET /v1/ai/health
func (r *Router) handleAIHealth(w http.ResponseWriter, req *http.Request) error {
	if r.ai == nil {
		return writeJSON(w, http.StatusOK, domai.EndpointStatus{Reachable: false, Error: "enrichment disabled"})
	}
	ctx, cancel := context.WithTimeout(req.Context(), 10*time.Second)
	defer cancel()
	st := r.ai.CheckEndpoint(ctx)
	code := http.StatusOK
	if !st.Reachable {
		code = http.StatusBadGateway
	}
	return writeJSON(w, code, st)
}
