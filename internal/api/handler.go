// Package api provides the HTTP admin API of the ingest platform.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"ingest-platform/internal/domain"
	"ingest-platform/internal/ingest/flash"
	"ingest-platform/internal/ingest/materialization"
	"ingest-platform/internal/ingest/region"
	"ingest-platform/internal/ingest/scheduler"
	"ingest-platform/internal/ingest/status"
	"ingest-platform/internal/lock"
	"ingest-platform/internal/metrics"
	"ingest-platform/internal/middleware"
	"ingest-platform/internal/warehouse"
)

// Deps holds the services behind the admin API. Scheduler and Flasher may be
// nil, in which case their routes answer 503.
type Deps struct {
	Registry  *region.Registry
	Env       string
	Warehouse warehouse.Client
	Statuses  *status.Manager
	Metadata  domain.MaterializationMetadataRepository
	Locks     domain.PseudoLockBackend
	Refresh   *lock.RefreshCoordinator
	Scheduler *scheduler.Scheduler
	Flasher   *flash.Flasher
	Metrics   *metrics.Metrics

	// LockWaitInterval is how often a waiting can-proceed check polls.
	LockWaitInterval time.Duration
}

const (
	maxCanProceedWait       = 10 * time.Minute
	defaultLockWaitInterval = 10 * time.Second
)

// Handler serves the admin API.
type Handler struct {
	deps Deps
}

// NewHandler creates a Handler.
func NewHandler(deps Deps) *Handler {
	return &Handler{deps: deps}
}

// Routes mounts every route on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/health", h.health)
	r.Handle("/metrics", h.deps.Metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/regions", h.listRegions)
		r.Route("/regions/{region}", func(r chi.Router) {
			r.Post("/onboard", h.onboard)
			r.Post("/flash", h.flash)
			r.Get("/views/{view}/query", h.previewQuery)
			r.Route("/instances/{instance}", func(r chi.Router) {
				r.Get("/status", h.getStatus)
				r.Post("/status", h.setStatus)
				r.Get("/statuses", h.listStatuses)
				r.Get("/materialization", h.materializationSummary)
				r.Get("/jobs/pending", h.pendingJobs)
				r.Get("/views/{view}/jobs", h.completedJobs)
				r.Get("/views/{view}/jobs/latest", h.latestJob)
				r.Get("/bounds", h.dateBounds)
				r.Post("/runs", h.runIngest)
			})
		})
		r.Route("/locks/refresh/{schema}/{instance}", func(r chi.Router) {
			r.Get("/", h.refreshLockState)
			r.Post("/", h.acquireRefreshLock)
			r.Delete("/", h.releaseRefreshLock)
			r.Get("/can-proceed", h.refreshCanProceed)
		})
		r.Route("/locks/normalization/{instance}", func(r chi.Router) {
			r.Get("/", h.normalizationLockState)
			r.Post("/", h.acquireNormalizationLock)
			r.Delete("/", h.releaseNormalizationLock)
		})
	})
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "env": h.deps.Env})
}

type regionSummary struct {
	RegionCode string   `json:"region_code"`
	Launched   bool     `json:"launched"`
	Views      []string `json:"ingest_views"`
}

func (h *Handler) listRegions(w http.ResponseWriter, _ *http.Request) {
	codes := h.deps.Registry.Codes()
	out := make([]regionSummary, 0, len(codes))
	for _, code := range codes {
		r, err := h.deps.Registry.Get(code)
		if err != nil {
			continue
		}
		views := make([]string, 0, len(r.IngestViews))
		for _, v := range r.IngestViews {
			views = append(views, v.Name)
		}
		out = append(out, regionSummary{
			RegionCode: r.RegionCode,
			Launched:   r.IsIngestLaunchedInEnv(h.deps.Env),
			Views:      views,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"regions": out})
}

type statusJSON struct {
	RegionCode      string    `json:"region_code"`
	Instance        string    `json:"instance"`
	Status          string    `json:"status"`
	StatusTimestamp time.Time `json:"status_timestamp"`
}

func statusToJSON(rec domain.InstanceStatusRecord) statusJSON {
	return statusJSON{
		RegionCode:      rec.RegionCode,
		Instance:        string(rec.Instance),
		Status:          string(rec.Status),
		StatusTimestamp: rec.StatusTimestamp,
	}
}

func (h *Handler) getStatus(w http.ResponseWriter, r *http.Request) {
	regionCode, instance, ok := h.regionInstance(w, r)
	if !ok {
		return
	}
	rec, err := h.deps.Statuses.GetCurrentStatus(r.Context(), regionCode, instance)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusToJSON(*rec))
}

func (h *Handler) listStatuses(w http.ResponseWriter, r *http.Request) {
	regionCode, instance, ok := h.regionInstance(w, r)
	if !ok {
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, r, domain.ErrValidation("limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	recs, err := h.deps.Statuses.ListStatuses(r.Context(), regionCode, instance, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]statusJSON, 0, len(recs))
	for _, rec := range recs {
		out = append(out, statusToJSON(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"statuses": out})
}

type setStatusRequest struct {
	Status string `json:"status"`
}

func (h *Handler) setStatus(w http.ResponseWriter, r *http.Request) {
	regionCode, instance, ok := h.regionInstance(w, r)
	if !ok {
		return
	}
	var req setStatusRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	next, err := domain.ParseDirectIngestStatus(req.Status)
	if err != nil {
		writeError(w, r, err)
		return
	}
	rec, err := h.deps.Statuses.ChangeStatusTo(r.Context(), regionCode, instance, next)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, statusToJSON(*rec))
}

type viewSummaryJSON struct {
	IngestViewName           string     `json:"ingest_view_name"`
	NumPendingJobs           int        `json:"num_pending_jobs"`
	NumMaterializedJobs      int        `json:"num_materialized_jobs"`
	CompletedJobsMaxDatetime *time.Time `json:"completed_jobs_max_datetime"`
	PendingJobsMinDatetime   *time.Time `json:"pending_jobs_min_datetime"`
}

func (h *Handler) materializationSummary(w http.ResponseWriter, r *http.Request) {
	regionCode, instance, ok := h.regionInstance(w, r)
	if !ok {
		return
	}
	summaries, err := h.deps.Metadata.Summaries(r.Context(), regionCode, instance)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]viewSummaryJSON, 0, len(summaries))
	for _, s := range summaries {
		out = append(out, viewSummaryJSON(s))
	}
	writeJSON(w, http.StatusOK, map[string]any{"region_code": regionCode, "instance": instance, "ingest_views": out})
}

type boundJSON struct {
	IngestViewName              string     `json:"ingest_view_name"`
	LowerBoundDatetimeExclusive *time.Time `json:"lower_bound_datetime_exclusive"`
	UpperBoundDatetimeInclusive time.Time  `json:"upper_bound_datetime_inclusive"`
}

// dateBounds lists the date bound pairs the next run would consider for each
// launchable view. Already materialized pairs are included.
func (h *Handler) dateBounds(w http.ResponseWriter, r *http.Request) {
	regionCode, instance, ok := h.regionInstance(w, r)
	if !ok {
		return
	}
	method := domain.MaterializationMethod(defaultString(r.URL.Query().Get("method"), string(domain.MaterializationMethodOriginal)))
	if method != domain.MaterializationMethodOriginal && method != domain.MaterializationMethodLatest {
		writeError(w, r, domain.ErrValidation("method must be original or latest, got %q", method))
		return
	}
	reg, _ := h.deps.Registry.Get(regionCode)
	discoverer := materialization.NewDateBoundDiscoverer(h.deps.Warehouse, middleware.LoggerFromContext(r.Context()))

	out := []boundJSON{}
	for _, viewName := range reg.LaunchableViews(instance) {
		view, err := reg.View(viewName)
		if err != nil {
			writeError(w, r, err)
			return
		}
		ceilings, err := discoverer.LatestRawDataTimestamps(r.Context(), regionCode, instance, view.RawTableDependencies())
		if err != nil {
			writeError(w, r, err)
			return
		}
		if !materialization.HasRawData(ceilings) {
			continue
		}
		pairs, err := discoverer.Discover(r.Context(), regionCode, instance, ceilings, method)
		if err != nil {
			writeError(w, r, err)
			return
		}
		for _, p := range pairs {
			out = append(out, boundJSON{
				IngestViewName:              viewName,
				LowerBoundDatetimeExclusive: p.LowerBoundDatetimeExclusive,
				UpperBoundDatetimeInclusive: p.UpperBoundDatetimeInclusive,
			})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"region_code": regionCode, "instance": instance, "bounds": out})
}

func (h *Handler) runIngest(w http.ResponseWriter, r *http.Request) {
	if h.deps.Scheduler == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Code: http.StatusServiceUnavailable, Message: "scheduler not configured"})
		return
	}
	regionCode, instance, ok := h.regionInstance(w, r)
	if !ok {
		return
	}
	// The run outlives a dropped client connection.
	summary, err := h.deps.Scheduler.RunRegion(context.WithoutCancel(r.Context()), regionCode, instance)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"region_code":  summary.RegionCode,
		"instance":     summary.Instance,
		"ran":          summary.Ran,
		"materialized": summary.Materialized,
		"skipped":      summary.Skipped,
		"status":       summary.Status,
	})
}

func (h *Handler) flash(w http.ResponseWriter, r *http.Request) {
	if h.deps.Flasher == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Code: http.StatusServiceUnavailable, Message: "flash not configured"})
		return
	}
	reg, err := h.deps.Registry.Get(chi.URLParam(r, "region"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.deps.Flasher.FlashSecondaryToPrimary(context.WithoutCancel(r.Context()), reg.RegionCode)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"region_code":            res.RegionCode,
		"results_backup":         res.ResultsBackup,
		"raw_data_backup":        res.RawDataBackup,
		"invalidated_jobs":       res.InvalidatedJobs,
		"transferred_jobs":       res.TransferredJobs,
		"flash_completed_at_utc": res.FlashCompletedAtUTC,
	})
}

// previewQuery renders the dataflow or debug query for one set of
// materialization args without running it.
func (h *Handler) previewQuery(w http.ResponseWriter, r *http.Request) {
	reg, err := h.deps.Registry.Get(chi.URLParam(r, "region"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	view, err := reg.View(chi.URLParam(r, "view"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	q := r.URL.Query()
	instance, err := domain.ParseIngestInstance(defaultString(q.Get("instance"), string(domain.IngestInstancePrimary)))
	if err != nil {
		writeError(w, r, err)
		return
	}
	upper, err := parseTimeParam("upper", q.Get("upper"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if upper == nil {
		writeError(w, r, domain.ErrValidation("upper is required"))
		return
	}
	lower, err := parseTimeParam("lower", q.Get("lower"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	args := domain.MaterializationArgs{
		IngestViewName:              view.ViewName,
		IngestInstance:              instance,
		LowerBoundDatetimeExclusive: lower,
		UpperBoundDatetimeInclusive: *upper,
	}

	requestID := middleware.RequestIDFromContext(r.Context())
	if requestID == "" {
		requestID = domain.NewRequestID()
	}
	dialect := h.deps.Warehouse.Dialect()
	var query string
	switch mode := defaultString(q.Get("mode"), "dataflow"); mode {
	case "dataflow":
		query, err = materialization.DataflowQueryForArgs(dialect, view, instance, args, requestID)
	case "debug":
		query, err = materialization.DebugQueryForArgs(dialect, view, instance, args, requestID)
	default:
		err = domain.ErrValidation("mode must be dataflow or debug, got %q", mode)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"args": args.String(), "query": query})
}

type acquireLockRequest struct {
	LockID string `json:"lock_id"`
}

func (h *Handler) acquireRefreshLock(w http.ResponseWriter, r *http.Request) {
	schema, instance, ok := schemaInstance(w, r)
	if !ok {
		return
	}
	var req acquireLockRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.deps.Refresh.AcquireLock(r.Context(), req.LockID, schema, instance); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lock_name": lock.RefreshLockName(schema, instance), "lock_id": req.LockID})
}

func (h *Handler) refreshLockState(w http.ResponseWriter, r *http.Request) {
	schema, instance, ok := schemaInstance(w, r)
	if !ok {
		return
	}
	locked, err := h.deps.Refresh.IsLocked(r.Context(), schema, instance)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lock_name": lock.RefreshLockName(schema, instance), "locked": locked})
}

func (h *Handler) refreshCanProceed(w http.ResponseWriter, r *http.Request) {
	schema, instance, ok := schemaInstance(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	wait, err := parseDurationParam("wait", q.Get("wait"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if wait <= 0 {
		proceed, err := h.deps.Refresh.CanProceed(r.Context(), schema, instance)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"can_proceed": proceed})
		return
	}

	if wait > maxCanProceedWait {
		writeError(w, r, domain.ErrValidation("wait must be at most %s", maxCanProceedWait))
		return
	}
	interval, err := parseDurationParam("interval", q.Get("interval"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if interval <= 0 {
		interval = h.deps.LockWaitInterval
	}
	if interval <= 0 {
		interval = defaultLockWaitInterval
	}
	err = h.deps.Refresh.WaitUntilCanProceed(r.Context(), schema, instance, interval, wait)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusOK, map[string]any{"can_proceed": false})
	case err != nil:
		writeError(w, r, err)
	default:
		writeJSON(w, http.StatusOK, map[string]any{"can_proceed": true})
	}
}

func (h *Handler) releaseRefreshLock(w http.ResponseWriter, r *http.Request) {
	schema, instance, ok := schemaInstance(w, r)
	if !ok {
		return
	}
	if err := h.deps.Refresh.ReleaseLock(r.Context(), schema, instance); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) normalizationLocks(w http.ResponseWriter, r *http.Request) (*lock.NormalizationLockManager, domain.IngestInstance, bool) {
	instance, err := domain.ParseIngestInstance(chi.URLParam(r, "instance"))
	if err != nil {
		writeError(w, r, err)
		return nil, "", false
	}
	return lock.NewNormalizationLockManager(h.deps.Locks, instance), instance, true
}

func (h *Handler) normalizationLockState(w http.ResponseWriter, r *http.Request) {
	m, instance, ok := h.normalizationLocks(w, r)
	if !ok {
		return
	}
	locked, err := m.IsLocked(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lock_name": lock.NormalizationLockName(instance), "locked": locked})
}

func (h *Handler) acquireNormalizationLock(w http.ResponseWriter, r *http.Request) {
	m, instance, ok := h.normalizationLocks(w, r)
	if !ok {
		return
	}
	var req acquireLockRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.LockID == "" {
		writeError(w, r, domain.ErrValidation("lock_id is required"))
		return
	}
	if err := m.Acquire(r.Context(), req.LockID, lock.NormalizationLockTimeout); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lock_name": lock.NormalizationLockName(instance), "lock_id": req.LockID})
}

func (h *Handler) releaseNormalizationLock(w http.ResponseWriter, r *http.Request) {
	m, _, ok := h.normalizationLocks(w, r)
	if !ok {
		return
	}
	if err := m.Release(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- helpers ---

func (h *Handler) regionInstance(w http.ResponseWriter, r *http.Request) (string, domain.IngestInstance, bool) {
	reg, err := h.deps.Registry.Get(chi.URLParam(r, "region"))
	if err != nil {
		writeError(w, r, err)
		return "", "", false
	}
	instance, err := domain.ParseIngestInstance(chi.URLParam(r, "instance"))
	if err != nil {
		writeError(w, r, err)
		return "", "", false
	}
	return reg.RegionCode, instance, true
}

func schemaInstance(w http.ResponseWriter, r *http.Request) (domain.SchemaType, domain.IngestInstance, bool) {
	schema, err := domain.ParseSchemaType(chi.URLParam(r, "schema"))
	if err != nil {
		writeError(w, r, err)
		return "", "", false
	}
	instance, err := domain.ParseIngestInstance(chi.URLParam(r, "instance"))
	if err != nil {
		writeError(w, r, err)
		return "", "", false
	}
	return schema, instance, true
}

func parseDurationParam(name, v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, domain.ErrValidation("%s must be a non-negative duration like 30s", name)
	}
	return d, nil
}

func parseTimeParam(name, v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil, domain.ErrValidation("%s must be an RFC 3339 timestamp: %v", name, err)
	}
	t = t.UTC()
	return &t, nil
}

func defaultString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, r, domain.ErrValidation("invalid request body: %v", err))
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := httpStatusFromDomainError(err)
	if code >= http.StatusInternalServerError {
		middleware.LoggerFromContext(r.Context()).Error("request failed", "error", err)
	}
	writeJSON(w, code, errorBody{
		Code:      code,
		Message:   err.Error(),
		RequestID: middleware.RequestIDFromContext(r.Context()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
