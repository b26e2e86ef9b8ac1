package server

import (
	"bytes"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/KALIBR/internal/config"
	"github.com/copyleftdev/KALIBR/internal/logging"
)

// testConfig creates a test configuration with default values
func testConfig(t *testing.T) *config.Config {
	cfg := &config.Config{
		Environment: "test",
	}

	cfg.HTTP.Port = 8080
	cfg.HTTP.ReadTimeout = 30 * time.Second
	cfg.HTTP.WriteTimeout = 30 * time.Second
	cfg.HTTP.IdleTimeout = 120 * time.Second
	cfg.HTTP.ShutdownTimeout = 30 * time.Second

	cfg.Logging.Level = "error"
	cfg.Logging.Output = "stderr"

	cfg.Estimation.MaxIterations = 50
	cfg.Estimation.Tolerance = 1e-8
	cfg.Estimation.ResidualTolerance = 1e-10
	cfg.Estimation.Differencing = "forward"
	cfg.Estimation.WorkerCount = 2

	return cfg
}

// testLogger creates a test logger
func testLogger(t *testing.T) *logging.Logger {
	logger, err := logging.NewLogger(&logging.Config{
		Level:  "error",
		Output: "stderr",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return logger
}

func testRouter(t *testing.T) (*Server, *chi.Mux) {
	srv := NewServer(testConfig(t), testLogger(t))
	t.Cleanup(func() { srv.Close() })
	r := chi.NewRouter()
	srv.RegisterRoutes(r)
	return srv, r
}

func postJSON(t *testing.T, r http.Handler, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest("POST", path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	return rr
}

func TestNewServer(t *testing.T) {
	srv := NewServer(testConfig(t), testLogger(t))
	assert.NotNil(t, srv, "Server should be created")
}

func TestRegisterRoutes(t *testing.T) {
	_, r := testRouter(t)

	tests := []struct {
		method      string
		path        string
		shouldExist bool
	}{
		{"POST", "/api/v1/calibrations", true},
		{"GET", "/api/v1/calibrations/123", true},
		{"DELETE", "/api/v1/calibrations/123", true},
		{"GET", "/api/v1/models", true},
		{"GET", "/healthz", false}, // registered by the entrypoint, not the server package
		{"GET", "/nonexistent", false},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			rr := httptest.NewRecorder()
			r.ServeHTTP(rr, req)

			if tt.shouldExist {
				assert.NotEqual(t, http.StatusNotFound, rr.Code, "route should exist")
				assert.NotEqual(t, http.StatusMethodNotAllowed, rr.Code, "method should be allowed")
			} else {
				assert.Equal(t, http.StatusNotFound, rr.Code, "route should not exist")
			}
		})
	}
}

func TestListModels(t *testing.T) {
	_, r := testRouter(t)

	req := httptest.NewRequest("GET", "/api/v1/models", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var response map[string][]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &response))
	assert.Contains(t, response["models"], "linear")
	assert.Contains(t, response["models"], "exp-decay")
}

func TestStartCalibrationValidation(t *testing.T) {
	_, r := testRouter(t)

	validParams := []map[string]interface{}{
		{"name": "x1", "start": 1.0, "lower": 0.0, "upper": 10.0},
		{"name": "x2", "start": 5.0, "lower": 0.0, "upper": 10.0},
	}

	tests := []struct {
		name string
		body map[string]interface{}
	}{
		{
			name: "no parameters",
			body: map[string]interface{}{"model": "linear", "true_parameters": []float64{2, 3}},
		},
		{
			name: "unknown model",
			body: map[string]interface{}{
				"model": "polynomial", "parameters": validParams, "true_parameters": []float64{2, 3},
			},
		},
		{
			name: "no target",
			body: map[string]interface{}{"model": "linear", "parameters": validParams},
		},
		{
			name: "target and true_parameters together",
			body: map[string]interface{}{
				"model": "linear", "parameters": validParams,
				"target": []float64{1, 2, 3, 4}, "true_parameters": []float64{2, 3},
			},
		},
		{
			name: "unknown transform",
			body: map[string]interface{}{
				"model": "linear",
				"parameters": []map[string]interface{}{
					{"name": "x1", "start": 1.0, "transform": "sqrt"},
					{"name": "x2", "start": 5.0},
				},
				"true_parameters": []float64{2, 3},
			},
		},
		{
			name: "duplicate parameter name",
			body: map[string]interface{}{
				"model": "linear",
				"parameters": []map[string]interface{}{
					{"name": "x1", "start": 1.0},
					{"name": "x1", "start": 5.0},
				},
				"true_parameters": []float64{2, 3},
			},
		},
		{
			name: "unknown differencing scheme",
			body: map[string]interface{}{
				"model": "linear", "parameters": validParams,
				"true_parameters": []float64{2, 3}, "differencing": "quartic",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := postJSON(t, r, "/api/v1/calibrations", tt.body)
			assert.Equal(t, http.StatusBadRequest, rr.Code)

			var response map[string]string
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &response))
			assert.NotEmpty(t, response["error"])
		})
	}

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/api/v1/calibrations", bytes.NewReader([]byte("{not json")))
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestCalibrationLifecycle(t *testing.T) {
	_, r := testRouter(t)

	rr := postJSON(t, r, "/api/v1/calibrations", map[string]interface{}{
		"model": "linear",
		"parameters": []map[string]interface{}{
			{"name": "x1", "start": 1.0, "lower": 0.0, "upper": 10.0},
			{"name": "x2", "start": 5.0, "lower": 0.0, "upper": 10.0},
		},
		"true_parameters": []float64{2.0, 3.0},
	})
	require.Equal(t, http.StatusAccepted, rr.Code)

	var started map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &started))
	id := started["calibration_id"]
	require.NotEmpty(t, id)

	var status map[string]interface{}
	require.Eventually(t, func() bool {
		req := httptest.NewRequest("GET", "/api/v1/calibrations/"+id, nil)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			return false
		}
		status = nil
		if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
			return false
		}
		s := status["status"].(string)
		return s != "pending" && s != "running"
	}, 10*time.Second, 20*time.Millisecond, "calibration should finish")

	assert.Equal(t, "converged", status["status"])
	assert.NotEmpty(t, status["end_time"])
	assert.NotEmpty(t, status["history"])

	final := status["final_parameters"].([]interface{})
	require.Len(t, final, 2)
	assert.InDelta(t, 2.0, final[0].(float64), 1e-4)
	assert.InDelta(t, 3.0, final[1].(float64), 1e-4)
	assert.Less(t, status["residual_norm"].(float64), 1e-6)
	assert.Greater(t, status["evaluations"].(float64), 0.0)
}

func TestCalibrationWithTransforms(t *testing.T) {
	_, r := testRouter(t)

	// Exp-transformed parameters: true_parameters are physical values,
	// the optimizer works on the raw logs and the reported
	// final_parameters must be back in physical space.
	rr := postJSON(t, r, "/api/v1/calibrations", map[string]interface{}{
		"model": "linear",
		"parameters": []map[string]interface{}{
			{"name": "x1", "start": 0.0, "lower": -5.0, "upper": 5.0, "transform": "exp"},
			{"name": "x2", "start": 0.0, "lower": -5.0, "upper": 5.0, "transform": "exp"},
		},
		"true_parameters": []float64{2.0, 3.0},
	})
	require.Equal(t, http.StatusAccepted, rr.Code)

	var started map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &started))
	id := started["calibration_id"]
	require.NotEmpty(t, id)

	var status map[string]interface{}
	require.Eventually(t, func() bool {
		req := httptest.NewRequest("GET", "/api/v1/calibrations/"+id, nil)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			return false
		}
		status = nil
		if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
			return false
		}
		s := status["status"].(string)
		return s != "pending" && s != "running"
	}, 10*time.Second, 20*time.Millisecond, "calibration should finish")

	assert.Equal(t, "converged", status["status"])

	final := status["final_parameters"].([]interface{})
	require.Len(t, final, 2)
	assert.InDelta(t, 2.0, final[0].(float64), 1e-4)
	assert.InDelta(t, 3.0, final[1].(float64), 1e-4)

	raw := status["raw_parameters"].([]interface{})
	require.Len(t, raw, 2)
	assert.InDelta(t, math.Log(2.0), raw[0].(float64), 1e-4)
	assert.InDelta(t, math.Log(3.0), raw[1].(float64), 1e-4)
}

func TestCalibrationNotFound(t *testing.T) {
	_, r := testRouter(t)

	req := httptest.NewRequest("GET", "/api/v1/calibrations/cal_missing", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	req = httptest.NewRequest("DELETE", "/api/v1/calibrations/cal_missing", nil)
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestCancelFinishedCalibration(t *testing.T) {
	_, r := testRouter(t)

	rr := postJSON(t, r, "/api/v1/calibrations", map[string]interface{}{
		"model": "linear",
		"parameters": []map[string]interface{}{
			{"name": "x1", "start": 1.0, "lower": 0.0, "upper": 10.0},
			{"name": "x2", "start": 5.0, "lower": 0.0, "upper": 10.0},
		},
		"true_parameters": []float64{2.0, 3.0},
	})
	require.Equal(t, http.StatusAccepted, rr.Code)

	var started map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &started))
	id := started["calibration_id"]

	require.Eventually(t, func() bool {
		req := httptest.NewRequest("GET", "/api/v1/calibrations/"+id, nil)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		var status map[string]interface{}
		if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
			return false
		}
		s := status["status"].(string)
		return s != "pending" && s != "running"
	}, 10*time.Second, 20*time.Millisecond)

	req := httptest.NewRequest("DELETE", "/api/v1/calibrations/"+id, nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)
}
