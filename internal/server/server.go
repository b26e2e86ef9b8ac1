// Package server exposes calibration runs over HTTP: jobs are started
// against built-in forward models, run asynchronously and can be
// inspected or cancelled while the service keeps their full iteration
// history.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/copyleftdev/KALIBR/internal/config"
	"github.com/copyleftdev/KALIBR/internal/errors"
	"github.com/copyleftdev/KALIBR/internal/estimation"
	"github.com/copyleftdev/KALIBR/internal/estimation/differencing"
	"github.com/copyleftdev/KALIBR/internal/estimation/gaussnewton"
	"github.com/copyleftdev/KALIBR/internal/estimation/linesearch"
	"github.com/copyleftdev/KALIBR/internal/estimation/parameters"
	"github.com/copyleftdev/KALIBR/internal/logging"
)

var (
	calibrationsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kalibr_calibrations_started_total",
		Help: "Number of calibration jobs started.",
	})
	calibrationsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kalibr_calibrations_running",
		Help: "Number of calibration jobs currently running.",
	})
	modelEvaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kalibr_model_evaluations_total",
		Help: "Number of forward model evaluations, by model.",
	}, []string{"model"})
)

// Logger defines the logging interface used by the server.
type Logger interface {
	Debug(msg string, fields ...map[string]interface{})
	Info(msg string, fields ...map[string]interface{})
	Warn(msg string, fields ...map[string]interface{})
	Error(msg string, fields ...map[string]interface{})
	WithFields(fields map[string]interface{}) *logging.Logger
}

// CalibrationState tracks one calibration job. Access is guarded by the
// server's mutex.
type CalibrationState struct {
	ID          string
	Model       string
	Status      string // "pending", "running", "converged", "failed", "max_iterations_reached", "cancelled"
	StartTime   time.Time
	EndTime     *time.Time
	LastUpdated time.Time
	Cancel      context.CancelFunc

	Result *estimation.RunResult
	// Physical is the final parameter vector mapped through the
	// parameter transforms.
	Physical    []float64
	Evaluations int
	Names       []string
	Err         string
}

// Server implements the calibration HTTP API.
type Server struct {
	cfg    *config.Config
	logger Logger

	mu   sync.RWMutex
	jobs map[string]*CalibrationState
}

// NewServer creates a server instance.
func NewServer(cfg *config.Config, logger Logger) *Server {
	return &Server{
		cfg:    cfg,
		logger: logger,
		jobs:   make(map[string]*CalibrationState),
	}
}

// RegisterRoutes mounts the calibration API on the given router.
func (s *Server) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/calibrations", s.handleStart)
		r.Get("/calibrations/{id}", s.handleStatus)
		r.Delete("/calibrations/{id}", s.handleCancel)
		r.Get("/models", s.handleModels)
	})
}

// Close cancels all running jobs.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.jobs {
		if job.Cancel != nil {
			job.Cancel()
		}
	}
	return nil
}

type parameterRequest struct {
	Name      string   `json:"name"`
	Start     float64  `json:"start"`
	Lower     *float64 `json:"lower,omitempty"`
	Upper     *float64 `json:"upper,omitempty"`
	Transform string   `json:"transform,omitempty"` // "direct" (default), "exp", or "scaled"
	Scale     float64  `json:"scale,omitempty"`
}

type calibrationRequest struct {
	Model          string             `json:"model"`
	Parameters     []parameterRequest `json:"parameters"`
	Target         []float64          `json:"target,omitempty"`
	TrueParameters []float64          `json:"true_parameters,omitempty"`
	MaxIterations  int                `json:"max_iterations,omitempty"`
	Tolerance      float64            `json:"tolerance,omitempty"`
	Differencing   string             `json:"differencing,omitempty"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req calibrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	manager, err := buildManager(req.Parameters)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	model, err := estimation.BuiltinModel(req.Model, manager.Count())
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	target, err := resolveTarget(req, model)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	differ, err := s.differencingStrategy(req.Differencing)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	optCfg := gaussnewton.DefaultConfig()
	optCfg.MaxIterations = s.cfg.Estimation.MaxIterations
	optCfg.Tolerance = s.cfg.Estimation.Tolerance
	optCfg.ResidualTolerance = s.cfg.Estimation.ResidualTolerance
	if req.MaxIterations > 0 {
		optCfg.MaxIterations = req.MaxIterations
	}
	if req.Tolerance > 0 {
		optCfg.Tolerance = req.Tolerance
	}

	jobLogger := s.logger.WithFields(map[string]interface{}{"model": req.Model})
	optimizer, err := gaussnewton.New(optCfg, manager, differ,
		linesearch.NewLinearParallel(), logging.NewZapLogger(jobLogger))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	id := fmt.Sprintf("cal_%d", time.Now().UnixNano())
	ctx, cancel := context.WithCancel(context.Background())

	state := &CalibrationState{
		ID:          id,
		Model:       req.Model,
		Status:      "pending",
		StartTime:   time.Now(),
		LastUpdated: time.Now(),
		Cancel:      cancel,
		Names:       manager.Names(),
	}

	s.mu.Lock()
	s.jobs[id] = state
	s.mu.Unlock()

	calibrationsStarted.Inc()
	go s.runCalibration(ctx, state, optimizer, manager, model, target, req.Model)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{
		"calibration_id": id,
		"status":         "pending",
	})
}

func (s *Server) runCalibration(ctx context.Context, state *CalibrationState,
	optimizer *gaussnewton.GaussNewtonOptimizer, manager *parameters.Manager,
	model estimation.ModelFunc, target []float64, modelName string) {
	calibrationsRunning.Inc()
	defer calibrationsRunning.Dec()

	s.setStatus(state, "running")

	counted := func(params []float64) ([]float64, error) {
		modelEvaluations.WithLabelValues(modelName).Inc()
		return model(params)
	}
	evaluator := estimation.NewFuncEvaluator(counted,
		estimation.WithWorkers(s.cfg.Estimation.WorkerCount),
		estimation.WithTransform(manager.Transform),
	)
	if err := evaluator.Start(ctx); err != nil {
		s.finish(state, nil, nil, 0, err)
		return
	}
	defer evaluator.Close()

	result, runErr := optimizer.Run(ctx, evaluator, manager.InitialValues(), target,
		estimation.NewResult(estimation.WithResultLogger(logging.NewZapLogger(s.logger.WithFields(
			map[string]interface{}{"calibration_id": state.ID},
		)))))

	if ctx.Err() != nil {
		s.setStatus(state, "cancelled")
		return
	}

	var physical []float64
	if result != nil {
		if mapped, merr := manager.Transform(result.Parameters); merr == nil {
			physical = mapped
		}
	}
	s.finish(state, result, physical, evaluator.Count(), runErr)
}

func (s *Server) finish(state *CalibrationState, result *estimation.RunResult,
	physical []float64, evaluations int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	state.EndTime = &now
	state.LastUpdated = now
	state.Result = result
	state.Physical = physical
	state.Evaluations = evaluations

	switch {
	case result != nil:
		state.Status = result.Status.String()
	default:
		state.Status = "failed"
	}
	if err != nil {
		state.Err = err.Error()
		s.logger.Error("calibration finished with error", map[string]interface{}{
			"calibration_id": state.ID,
			"error":          err.Error(),
		})
		return
	}
	s.logger.Info("calibration finished", map[string]interface{}{
		"calibration_id": state.ID,
		"status":         state.Status,
		"evaluations":    evaluations,
	})
}

func (s *Server) setStatus(state *CalibrationState, status string) {
	s.mu.Lock()
	state.Status = status
	state.LastUpdated = time.Now()
	s.mu.Unlock()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.mu.RLock()
	state, ok := s.jobs[id]
	if !ok {
		s.mu.RUnlock()
		s.respondError(w, http.StatusNotFound, "calibration not found")
		return
	}

	response := map[string]interface{}{
		"calibration_id": state.ID,
		"model":          state.Model,
		"status":         state.Status,
		"parameters":     state.Names,
		"start_time":     state.StartTime.Format(time.RFC3339),
		"last_update":    state.LastUpdated.Format(time.RFC3339),
	}
	if state.EndTime != nil {
		response["end_time"] = state.EndTime.Format(time.RFC3339)
	}
	if state.Err != "" {
		response["error"] = state.Err
	}
	if state.Result != nil {
		// Reported parameters are in physical space; the raw
		// optimizer-space vector stays available alongside.
		final := state.Physical
		if final == nil {
			final = state.Result.Parameters
		}
		response["final_parameters"] = final
		response["raw_parameters"] = state.Result.Parameters
		response["residual_norm"] = state.Result.ResidualNorm
		response["iterations"] = state.Result.Iterations
		response["evaluations"] = state.Evaluations

		history := make([]map[string]interface{}, len(state.Result.History))
		for i, rec := range state.Result.History {
			entry := map[string]interface{}{
				"iteration":     rec.Iteration,
				"parameters":    rec.Parameters,
				"residual_norm": rec.ResidualNorm,
			}
			if rec.StandardErrors != nil {
				entry["standard_errors"] = rec.StandardErrors
			}
			if rec.FailureReason != "" {
				entry["failure"] = rec.FailureReason
			}
			history[i] = entry
		}
		response["history"] = history
	}
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	state, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		s.respondError(w, http.StatusNotFound, "calibration not found")
		return
	}

	switch state.Status {
	case "converged", "failed", "max_iterations_reached", "cancelled":
		status := state.Status
		s.mu.Unlock()
		s.respondError(w, http.StatusConflict, fmt.Sprintf("cannot cancel calibration with status %q", status))
		return
	}

	if state.Cancel != nil {
		state.Cancel()
	}
	state.Status = "cancelled"
	now := time.Now()
	state.EndTime = &now
	state.LastUpdated = now
	s.mu.Unlock()

	s.logger.Info("calibration cancelled", map[string]interface{}{"calibration_id": id})

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "cancelled"})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"models": estimation.ModelNames()})
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.logger.Error("request error", map[string]interface{}{
		"status":  status,
		"message": message,
	})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// buildManager constructs the parameter schema from the request.
func buildManager(defs []parameterRequest) (*parameters.Manager, error) {
	if len(defs) == 0 {
		return nil, errors.New("at least one parameter is required").WithComponent("server")
	}

	manager := parameters.NewManager()
	for _, def := range defs {
		lower, upper := unbounded(def.Lower, def.Upper)
		var p parameters.Parameter
		switch def.Transform {
		case "", "direct":
			p = parameters.NewDirect(def.Name, def.Start, lower, upper)
		case "exp":
			p = parameters.NewExp(def.Name, def.Start, lower, upper)
		case "scaled":
			if def.Scale == 0 {
				return nil, errors.Errorf("parameter %q: scaled transform requires a non-zero scale", def.Name).WithComponent("server")
			}
			p = parameters.NewScaled(def.Name, def.Start, lower, upper, def.Scale)
		default:
			return nil, errors.Errorf("parameter %q: unknown transform %q", def.Name, def.Transform).WithComponent("server")
		}
		if err := manager.Add(p); err != nil {
			return nil, err
		}
	}
	return manager, nil
}

func unbounded(lower, upper *float64) (float64, float64) {
	lo, hi := math.Inf(-1), math.Inf(1)
	if lower != nil {
		lo = *lower
	}
	if upper != nil {
		hi = *upper
	}
	return lo, hi
}

// resolveTarget returns the target measurement vector, synthesizing it
// from the true parameters when no explicit target is given.
func resolveTarget(req calibrationRequest, model estimation.ModelFunc) ([]float64, error) {
	switch {
	case len(req.Target) > 0 && len(req.TrueParameters) > 0:
		return nil, errors.New("target and true_parameters are mutually exclusive").WithComponent("server")
	case len(req.Target) > 0:
		return req.Target, nil
	case len(req.TrueParameters) > 0:
		target, err := model(req.TrueParameters)
		if err != nil {
			return nil, errors.Wrap(err, "synthesizing target measurement").WithComponent("server")
		}
		return target, nil
	default:
		return nil, errors.New("either target or true_parameters is required").WithComponent("server")
	}
}

// differencingStrategy builds the Jacobian scheme from its name, falling
// back to the configured default when empty.
func (s *Server) differencingStrategy(name string) (differencing.Strategy, error) {
	if name == "" {
		name = s.cfg.Estimation.Differencing
	}
	cfg := differencing.DefaultConfig()
	switch name {
	case "", "forward":
		return differencing.NewForward(cfg), nil
	case "pure-forward":
		return differencing.NewPureForward(cfg), nil
	case "central":
		return differencing.NewCentral(cfg), nil
	default:
		return nil, errors.Errorf("unknown differencing scheme %q", name).WithComponent("server")
	}
}
