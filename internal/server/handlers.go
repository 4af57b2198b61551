package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"peakalign/internal/geo"
	"peakalign/internal/queue"
	"peakalign/internal/storage"
)

// locationRequest is the REST body for creating or updating a location.
type locationRequest struct {
	Name  string  `json:"name"`
	Lat   float64 `json:"lat"`
	Lon   float64 `json:"lon"`
	ElevM float64 `json:"elevation_m"`
}

// locationResponse reports the two-step outcome: the write result, then the
// scheduling result. A saved location with a failed enqueue is still saved.
type locationResponse struct {
	Location storage.Location `json:"location"`
	JobID    string           `json:"job_id,omitempty"`
	JobError string           `json:"job_error,omitempty"`
}

type recomputeRequest struct {
	YearStart int    `json:"year_start"`
	YearEnd   int    `json:"year_end"`
	Priority  string `json:"priority"`
}

type statsResponse struct {
	Queue     queue.Stats `json:"queue"`
	Locations int         `json:"locations"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	locs, err := s.store.ListLocations()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{
		Queue:     s.queue.Stats(),
		Locations: len(locs),
	})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	f := queue.Filter{
		Status: queue.Status(r.URL.Query().Get("status")),
		Kind:   queue.Kind(r.URL.Query().Get("kind")),
		Limit:  100,
	}
	if v := r.URL.Query().Get("location_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid location_id")
			return
		}
		f.LocationID = id
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = n
	}
	jobs := s.queue.List(f)
	if jobs == nil {
		jobs = []queue.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.queue.Get(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, ok := s.queue.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if job.Status.Terminal() {
		writeError(w, http.StatusConflict, "job already finished")
		return
	}
	if s.pool.Cancel(id) {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
		return
	}
	if err := s.queue.CancelQueued(id); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	job, _ = s.queue.Get(id)
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleRequeueJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.queue.Requeue(id); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	job, _ := s.queue.Get(id)
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleListLocations(w http.ResponseWriter, r *http.Request) {
	locs, err := s.store.ListLocations()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if locs == nil {
		locs = []storage.Location{}
	}
	writeJSON(w, http.StatusOK, locs)
}

func (s *Server) handleGetLocation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	loc, err := s.store.GetLocation(id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "location not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, loc)
}

func (s *Server) handleCreateLocation(w http.ResponseWriter, r *http.Request) {
	s.saveLocation(w, r, 0)
}

func (s *Server) handleUpdateLocation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if _, err := s.store.GetLocation(id); errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "location not found")
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.saveLocation(w, r, id)
}

// saveLocation derives geometry, persists, then schedules a recompute. The
// two steps report independently so a queue hiccup never loses a write.
func (s *Server) saveLocation(w http.ResponseWriter, r *http.Request, id int64) {
	var req locationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}

	observer := geo.Point{Lat: req.Lat, Lon: req.Lon, Elev: req.ElevM}
	derived, err := geo.Derive(observer, s.peak)
	if errors.Is(err, geo.ErrInvalidGeometry) {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	savedID, err := s.store.SaveLocation(storage.Location{
		ID:      id,
		Name:    req.Name,
		Point:   observer,
		Derived: derived,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	loc, err := s.store.GetLocation(savedID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := locationResponse{Location: loc}
	year := time.Now().UTC().Year()
	priority := queue.PriorityHigh
	if id != 0 {
		// Edits recompute at medium priority; fresh imports jump the line.
		priority = queue.PriorityMedium
	}
	jobID, err := s.pool.EnqueueLocationRecompute(savedID, year, year+s.yearsAhead, priority)
	if err != nil {
		resp.JobError = err.Error()
	} else {
		resp.JobID = jobID
	}

	status := http.StatusOK
	if id == 0 {
		status = http.StatusCreated
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleDeleteLocation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if _, err := s.store.GetLocation(id); errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "location not found")
		return
	}
	if err := s.store.DeleteLocation(id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLocationEvents(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if _, err := s.store.GetLocation(id); errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "location not found")
		return
	}

	now := time.Now().UTC()
	from := time.Date(now.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(now.Year(), 12, 31, 0, 0, 0, 0, time.UTC)
	if v := r.URL.Query().Get("year"); v != "" {
		year, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid year")
			return
		}
		from = time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC)
		to = time.Date(year, 12, 31, 0, 0, 0, 0, time.UTC)
	}
	if v := r.URL.Query().Get("from"); v != "" {
		if from, err = time.Parse("2006-01-02", v); err != nil {
			writeError(w, http.StatusBadRequest, "invalid from date")
			return
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		if to, err = time.Parse("2006-01-02", v); err != nil {
			writeError(w, http.StatusBadRequest, "invalid to date")
			return
		}
	}

	recs, err := s.store.EventsForLocation(id, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if recs == nil {
		recs = []storage.EventRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleRecomputeLocation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if _, err := s.store.GetLocation(id); errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "location not found")
		return
	}

	year := time.Now().UTC().Year()
	req := recomputeRequest{YearStart: year, YearEnd: year + s.yearsAhead, Priority: "medium"}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
			return
		}
	}
	if req.YearEnd < req.YearStart {
		writeError(w, http.StatusBadRequest, "year_end before year_start")
		return
	}
	priority, err := queue.ParsePriority(req.Priority)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	jobID, err := s.pool.EnqueueLocationRecompute(id, req.YearStart, req.YearEnd, priority)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	job, _ := s.queue.Get(jobID)
	writeJSON(w, http.StatusAccepted, job)
}
