package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"ingest-platform/internal/domain"
	"ingest-platform/internal/ingest/region"
)

type jobJSON struct {
	IngestViewName              string     `json:"ingest_view_name"`
	Instance                    string     `json:"instance"`
	LowerBoundDatetimeExclusive *time.Time `json:"lower_bound_datetime_exclusive"`
	UpperBoundDatetimeInclusive time.Time  `json:"upper_bound_datetime_inclusive"`
	JobCreationTime             time.Time  `json:"job_creation_time"`
	MaterializationTime         *time.Time `json:"materialization_time"`
}

func jobToJSON(rec domain.MaterializationMetadataRecord) jobJSON {
	return jobJSON{
		IngestViewName:              rec.IngestViewName,
		Instance:                    string(rec.Instance),
		LowerBoundDatetimeExclusive: rec.LowerBoundDatetimeExclusive,
		UpperBoundDatetimeInclusive: rec.UpperBoundDatetimeInclusive,
		JobCreationTime:             rec.JobCreationTime,
		MaterializationTime:         rec.MaterializationTime,
	}
}

func jobsToJSON(recs []domain.MaterializationMetadataRecord) []jobJSON {
	out := make([]jobJSON, 0, len(recs))
	for _, rec := range recs {
		out = append(out, jobToJSON(rec))
	}
	return out
}

func (h *Handler) pendingJobs(w http.ResponseWriter, r *http.Request) {
	regionCode, instance, ok := h.regionInstance(w, r)
	if !ok {
		return
	}
	recs, err := h.deps.Metadata.ListPending(r.Context(), regionCode, instance)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"region_code": regionCode, "instance": instance, "jobs": jobsToJSON(recs)})
}

func (h *Handler) completedJobs(w http.ResponseWriter, r *http.Request) {
	regionCode, instance, viewName, ok := h.regionInstanceView(w, r)
	if !ok {
		return
	}
	recs, err := h.deps.Metadata.ListCompleted(r.Context(), regionCode, instance, viewName)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"region_code": regionCode, "instance": instance, "jobs": jobsToJSON(recs)})
}

// latestJob returns the most recently registered live job of the view,
// materialized or not.
func (h *Handler) latestJob(w http.ResponseWriter, r *http.Request) {
	regionCode, instance, viewName, ok := h.regionInstanceView(w, r)
	if !ok {
		return
	}
	rec, err := h.deps.Metadata.MostRecentRegistered(r.Context(), regionCode, instance, viewName)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobToJSON(*rec))
}

// onboard creates the raw data tables of both instances and seeds the initial
// PRIMARY status. Calling it again only fills in what is missing.
func (h *Handler) onboard(w http.ResponseWriter, r *http.Request) {
	reg, err := h.deps.Registry.Get(chi.URLParam(r, "region"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	created := make(map[string][]string, len(domain.AllIngestInstances))
	for _, instance := range domain.AllIngestInstances {
		tags, err := region.ProvisionRawData(r.Context(), h.deps.Warehouse, reg, instance)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if tags == nil {
			tags = []string{}
		}
		created[string(instance)] = tags
	}
	if err := h.deps.Statuses.AddInitialStatus(r.Context(), reg.RegionCode); err != nil {
		writeError(w, r, err)
		return
	}
	rec, err := h.deps.Statuses.GetCurrentStatus(r.Context(), reg.RegionCode, domain.IngestInstancePrimary)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"region_code":    reg.RegionCode,
		"created_tables": created,
		"primary_status": statusToJSON(*rec),
	})
}

func (h *Handler) regionInstanceView(w http.ResponseWriter, r *http.Request) (string, domain.IngestInstance, string, bool) {
	regionCode, instance, ok := h.regionInstance(w, r)
	if !ok {
		return "", "", "", false
	}
	reg, _ := h.deps.Registry.Get(regionCode)
	view, err := reg.View(chi.URLParam(r, "view"))
	if err != nil {
		writeError(w, r, err)
		return "", "", "", false
	}
	return regionCode, instance, view.ViewName, true
}
