package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	repository "github.com/adamlounds/nightscout-uam/adapters"
	"github.com/adamlounds/nightscout-uam/estimation"
	"github.com/adamlounds/nightscout-uam/models"
	"github.com/adamlounds/nightscout-uam/solvers"
	nightscoutstore "github.com/adamlounds/nightscout-uam/stores/nightscout"
	"github.com/adamlounds/nightscout-uam/stats"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	slogctx "github.com/veqryn/slog-context"
)

var t0 = time.Date(2024, 11, 28, 6, 0, 0, 0, time.UTC)

func contextWithSilentLogger() context.Context {
	return slogctx.NewCtx(context.Background(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

type mockEstimationService struct {
	estimateFn   func(ctx context.Context, req estimation.Request) (*estimation.Result, error)
	runFn        func(ctx context.Context, id string) (*models.EstimationRun, error)
	latestRunsFn func(ctx context.Context, count int) ([]models.EstimationRun, error)
}

func (m mockEstimationService) Estimate(ctx context.Context, req estimation.Request) (*estimation.Result, error) {
	return m.estimateFn(ctx, req)
}

func (m mockEstimationService) Run(ctx context.Context, id string) (*models.EstimationRun, error) {
	return m.runFn(ctx, id)
}

func (m mockEstimationService) LatestRuns(ctx context.Context, count int) ([]models.EstimationRun, error) {
	return m.latestRunsFn(ctx, count)
}

type mockNightscoutRepository struct {
	fetchDatasetFn func(ctx context.Context, nsCfg repository.NightscoutConfig, from, to time.Time) (*models.Dataset, error)
	uploadMealsFn  func(ctx context.Context, nsCfg repository.NightscoutConfig, meals []models.MealEvent, algorithm string) error
}

func (m mockNightscoutRepository) FetchDataset(ctx context.Context, nsCfg repository.NightscoutConfig, from, to time.Time) (*models.Dataset, error) {
	return m.fetchDatasetFn(ctx, nsCfg, from, to)
}

func (m mockNightscoutRepository) UploadMeals(ctx context.Context, nsCfg repository.NightscoutConfig, meals []models.MealEvent, algorithm string) error {
	return m.uploadMealsFn(ctx, nsCfg, meals, algorithm)
}

type mockDatasetRepository struct {
	datasets map[string]*models.Dataset
}

func (m *mockDatasetRepository) FetchDataset(ctx context.Context, name string) (*models.Dataset, error) {
	d, ok := m.datasets[name]
	if !ok {
		return nil, models.ErrNotFound
	}
	return d, nil
}

func (m *mockDatasetRepository) SaveDataset(ctx context.Context, dataset *models.Dataset) error {
	if m.datasets == nil {
		m.datasets = map[string]*models.Dataset{}
	}
	m.datasets[dataset.Name] = dataset
	return nil
}

func testRun() *models.EstimationRun {
	return &models.EstimationRun{
		ID:         "01JDRJ8Z3M4ZK9X2P5Q7R8S9T0",
		Solver:     "grid",
		NumSamples: 200,
		Meals:      []models.MealEvent{{Time: t0.Add(15 * time.Minute), Carbs: 50}},
		NumMeals:   1,
		MealCarbs:  50,
	}
}

func testResult() *estimation.Result {
	return &estimation.Result{
		Run:         testRun(),
		Diagnostics: solvers.Diagnostics{Iterations: 3, Converged: true},
		Stats: &stats.Report{
			From:     t0.Add(3 * time.Hour),
			Points:   []stats.Point{{Time: t0.Add(3 * time.Hour), Error: 0.5}},
			Absolute: stats.Summary{RMSE: 0.5},
		},
	}
}

// Helper function to set up router with URL parameters
func setupTestRouter(handler http.HandlerFunc, method, path string) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.URLFormat)
	r.Method(method, path, handler)
	return r
}

func TestApiV1_EstimateMeals(t *testing.T) {
	tests := []struct {
		name           string
		url            string
		requestBody    string
		estimateErr    error
		expectedStatus int
		expectedBody   string
	}{
		{
			name:           "invalid request body",
			url:            "/api/v1/meals/estimate",
			requestBody:    `{invalid json`,
			expectedStatus: http.StatusBadRequest,
			expectedBody:   "invalid request body\n",
		},
		{
			name:           "bad from",
			url:            "/api/v1/meals/estimate?from=yesterday",
			requestBody:    `{"records":[]}`,
			expectedStatus: http.StatusBadRequest,
			expectedBody:   "models: invalid input: from must be RFC3339\n",
		},
		{
			name:           "unsorted records",
			url:            "/api/v1/meals/estimate",
			requestBody:    `{"records":[]}`,
			estimateErr:    fmt.Errorf("glucose: %w", models.ErrUnsorted),
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "unknown solver",
			url:            "/api/v1/meals/estimate?solver=magic",
			requestBody:    `{"records":[]}`,
			estimateErr:    fmt.Errorf("%w: magic", solvers.ErrUnknownSolver),
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "storage failure",
			url:            "/api/v1/meals/estimate",
			requestBody:    `{"records":[]}`,
			estimateErr:    errors.New("bucket unavailable"),
			expectedStatus: http.StatusInternalServerError,
			expectedBody:   "internal server error\n",
		},
		{
			name:           "success",
			url:            "/api/v1/meals/estimate?solver=grid&from=2024-11-28T06:00:00Z",
			requestBody:    `{"name":"test","records":[{"type":"glucose","time":"2024-11-28T06:00:00Z","value":100}]}`,
			expectedStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got estimation.Request
			api := ApiV1{EstimationService: mockEstimationService{
				estimateFn: func(ctx context.Context, req estimation.Request) (*estimation.Result, error) {
					got = req
					if tt.estimateErr != nil {
						return nil, tt.estimateErr
					}
					return testResult(), nil
				},
			}}

			req := httptest.NewRequest(http.MethodPost, tt.url, strings.NewReader(tt.requestBody))
			req = req.WithContext(contextWithSilentLogger())
			w := httptest.NewRecorder()

			api.EstimateMeals(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)
			if tt.expectedBody != "" {
				assert.Equal(t, tt.expectedBody, w.Body.String())
			}
			if tt.expectedStatus != http.StatusOK {
				return
			}

			assert.Equal(t, "grid", got.Solver)
			assert.Equal(t, t0, got.From)
			require.Len(t, got.Dataset.Records, 1)
			assert.Equal(t, "test", got.Dataset.Name)

			var resp struct {
				Run         models.EstimationRun `json:"run"`
				Diagnostics solvers.Diagnostics  `json:"diagnostics"`
				Stats       statsResponse        `json:"stats"`
			}
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			assert.Equal(t, "01JDRJ8Z3M4ZK9X2P5Q7R8S9T0", resp.Run.ID)
			require.Len(t, resp.Run.Meals, 1)
			assert.Equal(t, 50.0, resp.Run.Meals[0].Carbs)
			assert.Equal(t, 3, resp.Diagnostics.Iterations)
			assert.Equal(t, 1, resp.Stats.NumSamples)
			assert.Equal(t, 0.5, resp.Stats.Absolute.RMSE)
		})
	}
}

func TestApiV1_EstimateNightscout(t *testing.T) {
	tests := []struct {
		name           string
		requestBody    string
		expectedStatus int
		expectedBody   string
		fetchErr       error
		expectUpload   bool
	}{
		{
			name:           "invalid request body",
			requestBody:    `{invalid json`,
			expectedStatus: http.StatusBadRequest,
			expectedBody:   "invalid request body\n",
		},
		{
			name:           "missing url",
			requestBody:    `{"token": "sometoken-1234567890abcdef"}`,
			expectedStatus: http.StatusBadRequest,
			expectedBody:   "missing url\n",
		},
		{
			name:           "invalid url scheme",
			requestBody:    `{"url": "ftp://example.com", "token": "sometoken-1234567890abcdef"}`,
			expectedStatus: http.StatusBadRequest,
			expectedBody:   "url must be http/https\n",
		},
		{
			name:           "invalid url",
			requestBody:    `{"url": ":", "token": "sometoken-1234567890abcdef"}`,
			expectedStatus: http.StatusBadRequest,
			expectedBody:   "bad url\n",
		},
		{
			name:           "missing hostname",
			requestBody:    `{"url": "https://", "token": "sometoken-1234567890abcdef"}`,
			expectedStatus: http.StatusBadRequest,
			expectedBody:   "url must include a hostname\n",
		},
		{
			name:           "missing credentials",
			requestBody:    `{"url": "https://example.com"}`,
			expectedStatus: http.StatusBadRequest,
			expectedBody:   "token or api_secret must be supplied\n",
		},
		{
			name:           "api_secret too short",
			requestBody:    `{"url": "https://example.com", "api_secret": "short"}`,
			expectedStatus: http.StatusBadRequest,
			expectedBody:   "api_secret must be at least 12 characters long\n",
		},
		{
			name:           "token too short",
			requestBody:    `{"url": "https://example.com", "token": "short"}`,
			expectedStatus: http.StatusBadRequest,
			expectedBody:   "token must be at least 17 characters long\n",
		},
		{
			name:           "inverted window",
			requestBody:    `{"url": "https://example.com", "token": "sometoken-1234567890abcdef", "from": "2024-11-29T00:00:00Z", "to": "2024-11-28T00:00:00Z"}`,
			expectedStatus: http.StatusBadRequest,
			expectedBody:   "from must be before to\n",
		},
		{
			name:           "nightscout fetch error",
			requestBody:    `{"url": "https://example.com", "token": "sometoken-1234567890abcdef"}`,
			expectedStatus: http.StatusBadRequest,
			expectedBody:   "Cannot fetch entries from remote nightscout instance\n",
			fetchErr:       errors.New("fetch failed"),
		},
		{
			name:           "nightscout access denied",
			requestBody:    `{"url": "https://example.com", "api_secret": "secretsecret"}`,
			expectedStatus: http.StatusBadRequest,
			expectedBody:   "Remote nightscout instance denied access\n",
			fetchErr:       fmt.Errorf("cannot CheckStatus: %w", nightscoutstore.ErrAccessDenied),
		},
		{
			name:           "successful estimate",
			requestBody:    `{"url": "https://example.com", "token": "sometoken-1234567890abcdef", "from": "2024-11-28T00:00:00Z", "to": "2024-11-29T00:00:00Z"}`,
			expectedStatus: http.StatusOK,
		},
		{
			name:           "successful estimate with upload",
			requestBody:    `{"url": "https://example.com", "token": "sometoken-1234567890abcdef", "upload": true, "solver": "grid"}`,
			expectedStatus: http.StatusOK,
			expectUpload:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var fetchedFrom, fetchedTo time.Time
			var uploaded []models.MealEvent
			nsRepo := mockNightscoutRepository{
				fetchDatasetFn: func(ctx context.Context, nsCfg repository.NightscoutConfig, from, to time.Time) (*models.Dataset, error) {
					assert.Equal(t, "example.com", nsCfg.URL.Host)
					fetchedFrom, fetchedTo = from, to
					if tt.fetchErr != nil {
						return nil, tt.fetchErr
					}
					return &models.Dataset{Name: "example.com"}, nil
				},
				uploadMealsFn: func(ctx context.Context, nsCfg repository.NightscoutConfig, meals []models.MealEvent, algorithm string) error {
					uploaded = meals
					assert.Equal(t, "grid", algorithm)
					return nil
				},
			}
			api := ApiV1{
				EstimationService: mockEstimationService{
					estimateFn: func(ctx context.Context, req estimation.Request) (*estimation.Result, error) {
						assert.Equal(t, "example.com", req.Dataset.Name)
						return testResult(), nil
					},
				},
				NightscoutRepository: nsRepo,
			}

			req := httptest.NewRequest(http.MethodPost, "/api/v1/meals/estimate/nightscout", strings.NewReader(tt.requestBody))
			req = req.WithContext(contextWithSilentLogger())
			w := httptest.NewRecorder()

			api.EstimateNightscout(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)
			if tt.expectedBody != "" {
				assert.Equal(t, tt.expectedBody, w.Body.String())
			}
			if tt.expectedStatus == http.StatusOK {
				assert.Equal(t, 24*time.Hour, fetchedTo.Sub(fetchedFrom))
			}
			if tt.expectUpload {
				assert.Len(t, uploaded, 1)
			} else {
				assert.Empty(t, uploaded)
			}
		})
	}
}

func TestApiV1_StoredDatasets(t *testing.T) {
	datasets := &mockDatasetRepository{}
	var estimated *models.Dataset
	api := ApiV1{
		EstimationService: mockEstimationService{
			estimateFn: func(ctx context.Context, req estimation.Request) (*estimation.Result, error) {
				estimated = req.Dataset
				return testResult(), nil
			},
		},
		DatasetRepository: datasets,
	}

	body := `{"name":"week-47","records":[{"type":"glucose","time":"2024-11-28T06:00:00Z","value":100}],"profile":{"sensitivity":35,"carbRatio":10}}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/datasets", strings.NewReader(body))
	req = req.WithContext(contextWithSilentLogger())
	w := httptest.NewRecorder()
	api.SaveDataset(w, req)
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.JSONEq(t, `{"name":"week-47","numRecords":1}`, w.Body.String())

	unsorted := `{"name":"bad","records":[{"type":"glucose","time":"2024-11-28T06:05:00Z","value":100},{"type":"glucose","time":"2024-11-28T06:00:00Z","value":100}]}`
	req = httptest.NewRequest(http.MethodPost, "/api/v1/datasets", strings.NewReader(unsorted))
	req = req.WithContext(contextWithSilentLogger())
	w = httptest.NewRecorder()
	api.SaveDataset(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.NotContains(t, datasets.datasets, "bad")

	router := setupTestRouter(api.EstimateStoredDataset, http.MethodPost, "/api/v1/meals/estimate/datasets/{name}")
	req = httptest.NewRequest(http.MethodPost, "/api/v1/meals/estimate/datasets/week-47", nil)
	req = req.WithContext(contextWithSilentLogger())
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, estimated)
	assert.Equal(t, "week-47", estimated.Name)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/meals/estimate/datasets/missing", nil)
	req = req.WithContext(contextWithSilentLogger())
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)

	noStorage := ApiV1{}
	w = httptest.NewRecorder()
	noStorage.SaveDataset(w, httptest.NewRequest(http.MethodPost, "/api/v1/datasets", strings.NewReader(body)))
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestApiV1_ListRuns(t *testing.T) {
	tests := []struct {
		name           string
		query          string
		expectedStatus int
		expectedBody   string
		expectedCount  int
	}{
		{name: "default count", query: "", expectedStatus: http.StatusOK, expectedCount: 10},
		{name: "explicit count", query: "?count=2", expectedStatus: http.StatusOK, expectedCount: 2},
		{name: "not a number", query: "?count=abc", expectedStatus: http.StatusBadRequest, expectedBody: "count must be an integer\n"},
		{name: "too small", query: "?count=0", expectedStatus: http.StatusBadRequest, expectedBody: "count must be >= 1\n"},
		{name: "too large", query: "?count=1001", expectedStatus: http.StatusBadRequest, expectedBody: "count must be <= 1000\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotCount int
			api := ApiV1{EstimationService: mockEstimationService{
				latestRunsFn: func(ctx context.Context, count int) ([]models.EstimationRun, error) {
					gotCount = count
					return []models.EstimationRun{*testRun(), *testRun()}, nil
				},
			}}
			req := httptest.NewRequest(http.MethodGet, "/api/v1/meals/runs"+tt.query, nil)
			req = req.WithContext(contextWithSilentLogger())
			w := httptest.NewRecorder()

			api.ListRuns(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)
			if tt.expectedBody != "" {
				assert.Equal(t, tt.expectedBody, w.Body.String())
				return
			}
			assert.Equal(t, tt.expectedCount, gotCount)
			var runs []models.EstimationRun
			require.NoError(t, json.NewDecoder(w.Body).Decode(&runs))
			assert.Len(t, runs, 2)
		})
	}
}

func TestApiV1_RunByID(t *testing.T) {
	api := ApiV1{EstimationService: mockEstimationService{
		runFn: func(ctx context.Context, id string) (*models.EstimationRun, error) {
			if id != "01JDRJ8Z3M4ZK9X2P5Q7R8S9T0" {
				return nil, models.ErrNotFound
			}
			return testRun(), nil
		},
	}}

	tests := []struct {
		name           string
		path           string
		handler        http.HandlerFunc
		route          string
		expectedStatus int
		expectedBody   string
	}{
		{
			name:           "run found",
			path:           "/api/v1/meals/runs/01JDRJ8Z3M4ZK9X2P5Q7R8S9T0",
			handler:        api.RunByID,
			route:          "/api/v1/meals/runs/{id}",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "run not found",
			path:           "/api/v1/meals/runs/nope",
			handler:        api.RunByID,
			route:          "/api/v1/meals/runs/{id}",
			expectedStatus: http.StatusNotFound,
			expectedBody:   "not found\n",
		},
		{
			name:           "treatments export",
			path:           "/api/v1/meals/runs/01JDRJ8Z3M4ZK9X2P5Q7R8S9T0/treatments",
			handler:        api.RunTreatments,
			route:          "/api/v1/meals/runs/{id}/treatments",
			expectedStatus: http.StatusOK,
			expectedBody: `[{"_id":"67480a640000000000000000","eventType":"Carb Correction",
				"created_at":"2024-11-28T06:15:00.000Z","mills":1732774500000,
				"carbs":50,"algorithm":"grid","enteredBy":"nightscout-uam","notes":"unannounced meal"}]`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := setupTestRouter(tt.handler, http.MethodGet, tt.route)
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			req = req.WithContext(contextWithSilentLogger())
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)
			switch {
			case tt.expectedStatus == http.StatusOK && tt.expectedBody != "":
				assert.JSONEq(t, tt.expectedBody, w.Body.String())
			case tt.expectedBody != "":
				assert.Equal(t, tt.expectedBody, w.Body.String())
			}
		})
	}
}

func TestApiV1_renderTreatmentList(t *testing.T) {
	tests := []struct {
		name           string
		treatments     []models.Treatment
		expectedStatus int
		expectedBody   string
	}{
		{
			name:           "empty treatment list",
			treatments:     []models.Treatment{},
			expectedStatus: http.StatusOK,
			expectedBody:   "[]",
		},
		{
			name: "multiple treatments with different field combinations",
			treatments: []models.Treatment{
				{
					ID:   "treatment-123",
					Time: time.Date(2024, 3, 1, 12, 1, 2, 654321, time.UTC),
					Type: "Carb Correction",
					Fields: map[string]interface{}{
						"carbs":     45,
						"algorithm": "lm",
					},
				},
				{
					ID:   "treatment-124",
					Time: time.Date(2024, 3, 1, 15, 30, 3, 987654321, time.UTC),
					Type: "Carb Correction",
					Fields: map[string]interface{}{
						"carbs":     12.5,
						"algorithm": "lm",
					},
				},
			},
			expectedStatus: http.StatusOK,
			expectedBody: `[{"_id":"treatment-123","eventType":"Carb Correction",
				"created_at":"2024-03-01T12:01:02.000Z","mills":1709294462000,
				"carbs":45,"algorithm":"lm"},
				{"_id":"treatment-124","eventType":"Carb Correction",
				"created_at":"2024-03-01T15:30:03.987Z", "mills":1709307003987,
				"carbs":12.5,"algorithm":"lm"}]`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &ApiV1{}

			req := httptest.NewRequest(http.MethodGet, "/api/v1/meals/runs/x/treatments", nil)
			req = req.WithContext(contextWithSilentLogger())
			w := httptest.NewRecorder()

			api.renderTreatmentList(w, req, tt.treatments)

			assert.Equal(t, tt.expectedStatus, w.Code)
			assert.JSONEq(t, tt.expectedBody, w.Body.String())
		})
	}
}

type mockAuthRepository struct{}

func (m mockAuthRepository) GetAPISecretHash(ctx context.Context) string {
	return "e579c4fea528a36862a0a5352587a30d58da532f"
}

func (m mockAuthRepository) GetDefaultRole(ctx context.Context) string { return "denied" }

func (m mockAuthRepository) FetchAuthSubjectByAuthToken(ctx context.Context, authToken string) *models.AuthSubject {
	if authToken == "reader-0123456789abcdef" {
		return &models.AuthSubject{Name: "reader", RoleNames: []string{"readable"}}
	}
	return &models.AuthSubject{Name: "anonymous"}
}

func TestApiV1AuthnMiddleware(t *testing.T) {
	mw := ApiV1AuthnMiddleware{AuthService: &models.AuthService{AuthRepository: mockAuthRepository{}}}
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })

	r := chi.NewRouter()
	r.Use(mw.SetAuthentication)
	r.With(mw.Authz("api:meals:read")).Get("/runs", ok)
	r.With(mw.Authz("api:meals:create")).Post("/estimate", ok)

	tests := []struct {
		name           string
		method         string
		path           string
		secret         string
		expectedStatus int
	}{
		{name: "anonymous read", method: http.MethodGet, path: "/runs", expectedStatus: http.StatusUnauthorized},
		{name: "secret header", method: http.MethodPost, path: "/estimate", secret: "e579c4fea528a36862a0a5352587a30d58da532f", expectedStatus: http.StatusNoContent},
		{name: "secret query", method: http.MethodPost, path: "/estimate?secret=e579c4fea528a36862a0a5352587a30d58da532f", expectedStatus: http.StatusNoContent},
		{name: "reader token read", method: http.MethodGet, path: "/runs?token=reader-0123456789abcdef", expectedStatus: http.StatusNoContent},
		{name: "reader token create", method: http.MethodPost, path: "/estimate?token=reader-0123456789abcdef", expectedStatus: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			req = req.WithContext(contextWithSilentLogger())
			if tt.secret != "" {
				req.Header.Set("api-secret", tt.secret)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.expectedStatus, w.Code)
		})
	}
}
