// Package api serves the shim tool over HTTP: exam state, procedure
// triggers and the procedure journal.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/shimtool/internal/db"
	"github.com/banshee-data/shimtool/internal/errs"
	"github.com/banshee-data/shimtool/internal/fieldmap"
	"github.com/banshee-data/shimtool/internal/monitoring"
	"github.com/banshee-data/shimtool/internal/orchestrator"
)

// ANSI escape codes for request logging
const (
	colorCyan      = "\033[36m"
	colorReset     = "\033[0m"
	colorYellow    = "\033[33m"
	colorBoldGreen = "\033[1;32m"
	colorBoldRed   = "\033[1;31m"
)

// CommandSender passes a raw command line to the scanner.
type CommandSender interface {
	Send(command string) error
}

type Server struct {
	tool    *orchestrator.Tool
	db      *db.DB
	scanner CommandSender
	connect func(ctx context.Context) error
}

// NewServer builds a server for tool. database and scanner may be nil; the
// journal and raw command endpoints then report 503.
func NewServer(tool *orchestrator.Tool, database *db.DB, scanner CommandSender) *Server {
	return &Server{tool: tool, db: database, scanner: scanner}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
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
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// SetConnector installs the function behind POST /api/connect, which
// (re)opens the device connections.
func (s *Server) SetConnector(f func(ctx context.Context) error) {
	s.connect = f
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/state", s.showState)
	mux.HandleFunc("/api/runs", s.listRuns)
	mux.HandleFunc("/api/maps/", s.showMap)
	mux.HandleFunc("/api/procedures/", s.runProcedure)
	mux.HandleFunc("/api/shim-mode", s.setShimMode)
	mux.HandleFunc("/api/roi", s.setROI)
	mux.HandleFunc("/api/clear-error", s.clearError)
	mux.HandleFunc("/api/connect", s.connectDevices)
	mux.HandleFunc("/api/snapshots", s.saveSnapshot)
	mux.HandleFunc("/api/snapshots/load", s.loadSnapshot)
	mux.HandleFunc("/api/results", s.saveResults)
	mux.HandleFunc("/command", s.sendCommandHandler)
	return mux
}

// statusFor maps a procedure error onto an HTTP status.
func statusFor(err error) int {
	var guard *errs.GuardError
	switch {
	case errors.As(err, &guard):
		return http.StatusPreconditionFailed
	case errors.Is(err, orchestrator.ErrBatchInFlight),
		errors.Is(err, orchestrator.ErrNoSlices),
		errors.Is(err, orchestrator.ErrNotReady):
		return http.StatusConflict
	case errors.Is(err, errs.ErrScanTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, errs.ErrScanFailure), errors.Is(err, errs.ErrConnection):
		return http.StatusBadGateway
	case errors.Is(err, errs.ErrSolve), errors.Is(err, fieldmap.ErrShapeMismatch),
		errors.Is(err, errs.ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, orchestrator.ErrNoStore):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSONError(w, statusFor(err), err.Error())
}

// StateResponse is the body of GET /api/state.
type StateResponse struct {
	State                string            `json:"state"`
	LastError            string            `json:"last_error,omitempty"`
	ExamNumber           string            `json:"exam_number"`
	ShimMode             string            `json:"shim_mode"`
	NumLoops             int               `json:"num_loops"`
	AssetCalibrationDone bool              `json:"asset_calibration_done"`
	AutoPrescanDone      bool              `json:"auto_prescan_done"`
	ObtainedBackground   bool              `json:"obtained_background"`
	ObtainedBasisMaps    bool              `json:"obtained_basis_maps"`
	ObtainedSolutions    bool              `json:"obtained_solutions"`
	ObtainedShimmedB0Map bool              `json:"obtained_shimmed_b0_map"`
	Principal            []float64         `json:"principal"`
	Applied              [][]float64       `json:"applied,omitempty"`
	BackgroundStats      []*fieldmap.Stats `json:"background_stats,omitempty"`
	ExpectedStats        []*fieldmap.Stats `json:"expected_stats,omitempty"`
	ShimmedStats         []*fieldmap.Stats `json:"shimmed_stats,omitempty"`
	AppliedEvalSlice     int               `json:"applied_eval_slice"`
	AppliedEval          []*fieldmap.Stats `json:"applied_eval,omitempty"`
}

func (s *Server) state() StateResponse {
	e := s.tool.Exam()
	resp := StateResponse{
		State:                s.tool.State().String(),
		ExamNumber:           e.ExamNumber,
		ShimMode:             e.ShimMode.String(),
		NumLoops:             s.tool.NumLoops(),
		AssetCalibrationDone: e.AssetCalibrationDone,
		AutoPrescanDone:      e.AutoPrescanDone,
		ObtainedBackground:   orchestrator.ObtainedBackground(&e),
		ObtainedBasisMaps:    orchestrator.ObtainedBasisMaps(&e),
		ObtainedSolutions:    orchestrator.ObtainedSolutions(&e),
		ObtainedShimmedB0Map: orchestrator.ObtainedShimmedB0Map(&e),
		Principal:            e.Principal,
		Applied:              e.Applied,
		BackgroundStats:      e.Stats[orchestrator.StatsBackground],
		ExpectedStats:        e.Stats[orchestrator.StatsExpected],
		ShimmedStats:         e.Stats[orchestrator.StatsShimmed],
		AppliedEvalSlice:     e.AppliedEvalSlice,
		AppliedEval:          e.AppliedEval,
	}
	if err := s.tool.LastError(); err != nil {
		resp.LastError = err.Error()
	}
	return resp
}

func (s *Server) showState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSONOK(w, s.state())
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if s.db == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "no database configured")
		return
	}
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 {
			badRequest(w, "Invalid 'limit' parameter")
			return
		}
		limit = n
	}
	runs, err := s.db.RecentRuns(limit)
	if err != nil {
		internalServerError(w, fmt.Sprintf("Failed to retrieve runs: %v", err))
		return
	}
	writeJSONOK(w, runs)
}

// procedure runs one orchestrator procedure. slice is -1 when the
// procedure does not take one.
type procedure struct {
	needSlice bool
	run       func(ctx context.Context, slice int) error
}

func (s *Server) procedures() map[string]procedure {
	t := s.tool
	whole := func(f func(context.Context) error) func(context.Context, int) error {
		return func(ctx context.Context, _ int) error { return f(ctx) }
	}
	sliced := func(f func(int) error) func(context.Context, int) error {
		return func(_ context.Context, sl int) error { return f(sl) }
	}
	noErr := func(f func()) func(context.Context, int) error {
		return func(context.Context, int) error { f(); return nil }
	}
	return map[string]procedure{
		"asset-calibration":    {run: whole(t.DoAssetCalibration)},
		"fgre-scan":            {run: whole(t.DoFgreScan)},
		"fieldmap-scan":        {needSlice: true, run: t.DoFieldmapScan},
		"basis-calibration":    {run: whole(t.DoBasisCalibrationScans)},
		"shimmed-scans":        {run: whole(t.DoAllShimmedScans)},
		"eval-applied-shims":   {needSlice: true, run: t.DoEvalAppliedShims},
		"set-shim-currents":    {needSlice: true, run: sliced(t.SetAllShimCurrents)},
		"overwrite-background": {needSlice: true, run: sliced(t.OverwriteBackground)},
		"compute-currents":     {run: func(context.Context, int) error { return t.ComputeShimCurrents() }},
		"recompute":            {run: noErr(t.RecomputeCurrents)},
		"reset-shim-sols":      {run: noErr(t.ResetShimSols)},
	}
}

// ProcedureNames lists the procedures accepted under /api/procedures/.
func ProcedureNames() []string {
	return []string{
		"asset-calibration", "fgre-scan", "fieldmap-scan", "basis-calibration",
		"shimmed-scans", "eval-applied-shims", "set-shim-currents",
		"overwrite-background", "compute-currents", "recompute", "reset-shim-sols",
	}
}

// runProcedure blocks until the procedure finishes. Cancelling the request
// aborts the running batch.
func (s *Server) runProcedure(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	name := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/procedures/"), "/")
	p, ok := s.procedures()[name]
	if !ok {
		notFound(w, fmt.Sprintf("unknown procedure %q", name))
		return
	}
	slice := -1
	if p.needSlice {
		v := r.URL.Query().Get("slice")
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			badRequest(w, fmt.Sprintf("%s needs a non-negative 'slice' parameter", name))
			return
		}
		slice = n
	}
	if err := p.run(r.Context(), slice); err != nil {
		writeError(w, err)
		return
	}
	writeJSONOK(w, s.state())
}

func (s *Server) setShimMode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	mode, err := orchestrator.ParseShimMode(r.FormValue("mode"))
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	s.tool.SetShimMode(mode)
	writeJSONOK(w, s.state())
}

// roiRequest selects either a slice range or an explicit mask. An empty
// request clears the ROI.
type roiRequest struct {
	Slices *[2]int        `json:"slices,omitempty"`
	Mask   *fieldmap.Mask `json:"mask,omitempty"`
}

func (s *Server) setROI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req roiRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}

	var roi *fieldmap.Mask
	switch {
	case req.Mask != nil:
		if len(req.Mask.Data) != req.Mask.Shape.Len() {
			badRequest(w, fmt.Sprintf("mask has %d values for shape %s", len(req.Mask.Data), req.Mask.Shape))
			return
		}
		roi = req.Mask
	case req.Slices != nil:
		bg := s.tool.Exam().Background
		if bg == nil {
			writeError(w, fmt.Errorf("%w: no background to size the ROI", orchestrator.ErrNotReady))
			return
		}
		lo, hi := req.Slices[0], req.Slices[1]
		if lo < 0 || hi < lo || hi >= bg.Shape.Slices() {
			badRequest(w, fmt.Sprintf("slice range [%d, %d] outside [0, %d)", lo, hi, bg.Shape.Slices()))
			return
		}
		roi = fieldmap.NewMask(bg.Shape)
		for x := 0; x < bg.Shape[0]; x++ {
			for sl := lo; sl <= hi; sl++ {
				for z := 0; z < bg.Shape[2]; z++ {
					roi.Set(x, sl, z, true)
				}
			}
		}
	}
	if err := s.tool.SetROI(roi); err != nil {
		writeError(w, err)
		return
	}
	writeJSONOK(w, s.state())
}

func (s *Server) clearError(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	s.tool.ClearError()
	writeJSONOK(w, s.state())
}

func (s *Server) connectDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if s.connect == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "no device connector configured")
		return
	}
	if err := s.connect(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSONOK(w, s.state())
}

func (s *Server) saveSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	reason := r.FormValue("reason")
	if reason == "" {
		reason = "api"
	}
	if err := s.tool.SaveState(reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSONOK(w, map[string]string{"status": "saved"})
}

func (s *Server) loadSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	ok, err := s.tool.LoadState()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONOK(w, map[string]bool{"restored": ok})
}

func (s *Server) saveResults(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	dir, err := s.tool.SaveResults()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONOK(w, map[string]string{"dir": dir})
}

// MapResponse is one slice of a field map. Missing voxels are null.
type MapResponse struct {
	Map    string       `json:"map"`
	Slice  int          `json:"slice"`
	Shape  [2]int       `json:"shape"`
	Values [][]*float64 `json:"values"`
}

func (s *Server) showMap(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	name := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/maps/"), "/")
	e := s.tool.Exam()
	var v *fieldmap.Volume
	switch name {
	case "background":
		v = e.Background
	case "expected":
		v = e.Expected
	case "shimmed":
		v = e.Shimmed
	default:
		notFound(w, fmt.Sprintf("unknown map %q", name))
		return
	}
	if v == nil {
		writeJSONError(w, http.StatusNotFound, fmt.Sprintf("no %s map acquired", name))
		return
	}
	slice, err := strconv.Atoi(r.URL.Query().Get("slice"))
	if err != nil || slice < 0 || slice >= v.Shape.Slices() {
		badRequest(w, fmt.Sprintf("'slice' must be in [0, %d)", v.Shape.Slices()))
		return
	}

	resp := MapResponse{Map: name, Slice: slice, Shape: [2]int{v.Shape[0], v.Shape[2]}}
	resp.Values = make([][]*float64, v.Shape[0])
	for x := range resp.Values {
		row := make([]*float64, v.Shape[2])
		for z := range row {
			if val := v.At(x, slice, z); !math.IsNaN(val) {
				row[z] = &val
			}
		}
		resp.Values[x] = row
	}
	writeJSONOK(w, resp)
}

func (s *Server) sendCommandHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.scanner == nil {
		http.Error(w, "Scanner not configured", http.StatusServiceUnavailable)
		return
	}

	command := r.FormValue("command")
	if command == "" {
		http.Error(w, "Missing command", http.StatusBadRequest)
		return
	}
	if err := s.scanner.Send(command); err != nil {
		http.Error(w, "Failed to send command", http.StatusInternalServerError)
		return
	}
	io.WriteString(w, "Command sent successfully")
}
