// Package api is the HTTP face of the bridge: the classifier ingress
// (POST /process_trash) and read-only operator endpoints under /api/.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/banshee-data/sortbridge/internal/bridge"
	"github.com/banshee-data/sortbridge/internal/config"
	"github.com/banshee-data/sortbridge/internal/db"
	"github.com/banshee-data/sortbridge/internal/httputil"
	"github.com/banshee-data/sortbridge/internal/monitoring"
	"github.com/banshee-data/sortbridge/internal/sorting"
	"github.com/banshee-data/sortbridge/internal/version"
)

// ANSI escape codes for the access log
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

const (
	maxRequestBody  = 4 << 10
	defaultLogLimit = 100
	maxLogLimit     = 1000
)

// Dispatcher is the part of the bridge core the handlers drive.
type Dispatcher interface {
	Accept(req sorting.ClassificationRequest) (bridge.Ticket, error)
	Job(id string) (bridge.Job, error)
	RetryRecord(alertID string) (sorting.SortLogEntry, error)
}

// SortLogReader serves the read side of the sort log. *db.DB implements it.
type SortLogReader interface {
	SortLogs(limit int) ([]sorting.SortLogEntry, error)
	SortCounts() ([]db.BinCount, error)
	SortCountsByHour(since time.Time) ([]db.HourlyCount, error)
}

// QueueReporter exposes the worker's backlog.
type QueueReporter interface {
	QueueLen() int
	QueueCap() int
}

// Options wires a Server.
type Options struct {
	Dispatcher Dispatcher
	Store      SortLogReader
	Queue      QueueReporter
	Stats      *monitoring.ActuationStats
	Alerts     *monitoring.Alerts
	Config     config.Summary
	// Types are the accepted type ids, listed on the test-actuate form.
	Types  []sorting.TypeID
	Logger *monitoring.Logger
}

type Server struct {
	dispatcher Dispatcher
	store      SortLogReader
	queue      QueueReporter
	stats      *monitoring.ActuationStats
	alerts     *monitoring.Alerts
	config     config.Summary
	types      []sorting.TypeID
	logger     *monitoring.Logger
	now        func() time.Time

	// counts collapses concurrent aggregate queries into one
	counts singleflight.Group
}

func NewServer(opts Options) *Server {
	return &Server{
		dispatcher: opts.Dispatcher,
		store:      opts.Store,
		queue:      opts.Queue,
		stats:      opts.Stats,
		alerts:     opts.Alerts,
		config:     opts.Config,
		types:      opts.Types,
		logger:     opts.Logger.With("api"),
		now:        time.Now,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/process_trash", s.processTrash)
	mux.HandleFunc("/api/jobs/{id}", s.showJob)
	mux.HandleFunc("/api/sort_logs", s.listSortLogs)
	mux.HandleFunc("/api/stats", s.showStats)
	mux.HandleFunc("/api/alerts", s.listAlerts)
	mux.HandleFunc("/api/alerts/{id}/retry", s.retryAlert)
	mux.HandleFunc("/api/config", s.showConfig)
	mux.HandleFunc("/api/health", s.showHealth)
	return mux
}

type processTrashRequest struct {
	TypeID json.RawMessage `json:"type_id"`
}

// AcceptedResponse is the 202 body for an accepted classification.
type AcceptedResponse struct {
	Status  string         `json:"status"`
	Ticket  string         `json:"ticket"`
	TypeID  sorting.TypeID `json:"type_id"`
	Message string         `json:"message"`
}

func (s *Server) processTrash(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}

	if mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || mt != "application/json" {
		s.logger.Printf("rejected request: body is not JSON")
		httputil.BadRequest(w, "request body must be JSON")
		return
	}

	typeID, err := decodeTypeID(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		s.logger.Printf("rejected request: %v", err)
		httputil.BadRequest(w, err.Error())
		return
	}

	ticket, err := s.dispatcher.Accept(sorting.ClassificationRequest{TypeID: typeID, ReceivedAt: s.now()})
	switch {
	case err == nil:
	case errors.Is(err, sorting.ErrInput):
		s.logger.Printf("rejected request: %v", err)
		httputil.BadRequest(w, err.Error())
		return
	case errors.Is(err, bridge.ErrBusy), errors.Is(err, bridge.ErrStopped):
		s.logger.Printf("refused type %v: %v", typeID, err)
		httputil.ServiceUnavailable(w, err.Error())
		return
	default:
		httputil.InternalServerError(w, err.Error())
		return
	}

	s.logger.Printf("accepted type %v as %s", typeID, ticket.ID)
	w.Header().Set("Location", "/api/jobs/"+ticket.ID)
	httputil.WriteJSON(w, http.StatusAccepted, AcceptedResponse{
		Status:  "accepted",
		Ticket:  ticket.ID,
		TypeID:  typeID,
		Message: fmt.Sprintf("sorting type %d in the background", typeID),
	})
}

// decodeTypeID reads {"type_id": n}. A missing or null type_id is reported
// as sorting.ErrMissingTypeID; anything but an integer is an input error.
func decodeTypeID(body io.Reader) (sorting.TypeID, error) {
	var req processTrashRequest
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		return 0, fmt.Errorf("%w: malformed JSON body", sorting.ErrInput)
	}
	if len(req.TypeID) == 0 || string(req.TypeID) == "null" {
		return 0, sorting.ErrMissingTypeID
	}
	var n int
	if err := json.Unmarshal(req.TypeID, &n); err != nil {
		return 0, fmt.Errorf("%w: %s", sorting.ErrUnmapped, req.TypeID)
	}
	if n == 0 {
		// zero is never a valid type id; report it as unmapped, not missing
		return 0, fmt.Errorf("%w: %d", sorting.ErrUnmapped, n)
	}
	return sorting.TypeID(n), nil
}

func (s *Server) showJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	job, err := s.dispatcher.Job(r.PathValue("id"))
	if errors.Is(err, bridge.ErrJobNotFound) {
		httputil.NotFound(w, err.Error())
		return
	} else if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, job)
}

func (s *Server) listSortLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	limit := defaultLogLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 || parsed > maxLogLimit {
			httputil.BadRequest(w, fmt.Sprintf("Invalid 'limit' parameter: must be between 1 and %d", maxLogLimit))
			return
		}
		limit = parsed
	}

	entries, err := s.store.SortLogs(limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve sort logs: %v", err))
		return
	}
	httputil.WriteJSONOK(w, entries)
}

// StatsResponse is served by GET /api/stats.
type StatsResponse struct {
	Actuations monitoring.StatsSnapshot `json:"actuations"`
	SortCounts []db.BinCount            `json:"sort_counts"`
	QueueLen   int                      `json:"queue_len"`
	QueueCap   int                      `json:"queue_cap"`
}

func (s *Server) showStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	counts, err := s.sortCounts()
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve sort counts: %v", err))
		return
	}
	resp := StatsResponse{SortCounts: counts}
	if s.stats != nil {
		resp.Actuations = s.stats.Snapshot()
	}
	if s.queue != nil {
		resp.QueueLen = s.queue.QueueLen()
		resp.QueueCap = s.queue.QueueCap()
	}
	httputil.WriteJSONOK(w, resp)
}

func (s *Server) sortCounts() ([]db.BinCount, error) {
	v, err, _ := s.counts.Do("sort-counts", func() (any, error) {
		return s.store.SortCounts()
	})
	if err != nil {
		return nil, err
	}
	return v.([]db.BinCount), nil
}

func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	openOnly := r.URL.Query().Get("open") == "true"

	alerts := []monitoring.UnrecordedActuation{}
	for _, a := range s.alerts.List() {
		if openOnly && a.Resolved() {
			continue
		}
		alerts = append(alerts, a)
	}
	httputil.WriteJSONOK(w, alerts)
}

func (s *Server) retryAlert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	id := r.PathValue("id")
	entry, err := s.dispatcher.RetryRecord(id)
	if errors.Is(err, monitoring.ErrAlertNotFound) {
		httputil.NotFound(w, err.Error())
		return
	} else if err != nil {
		s.logger.Printf("retry of alert %s failed: %v", id, err)
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, entry)
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.config)
}

// HealthResponse is served by GET /api/health. Status is "degraded" while
// any unrecorded actuation is unresolved.
type HealthResponse struct {
	Status     string `json:"status"`
	Version    string `json:"version"`
	GitSHA     string `json:"git_sha"`
	QueueLen   int    `json:"queue_len"`
	QueueCap   int    `json:"queue_cap"`
	OpenAlerts int    `json:"open_alerts"`
}

func (s *Server) showHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	resp := HealthResponse{
		Status:     "ok",
		Version:    version.Version,
		GitSHA:     version.GitSHA,
		OpenAlerts: s.alerts.OpenCount(),
	}
	if s.queue != nil {
		resp.QueueLen = s.queue.QueueLen()
		resp.QueueCap = s.queue.QueueCap()
	}
	if resp.OpenAlerts > 0 {
		resp.Status = "degraded"
	}
	httputil.WriteJSONOK(w, resp)
}
