package controllers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	repository "github.com/adamlounds/nightscout-uam/adapters"
	"github.com/adamlounds/nightscout-uam/estimation"
	"github.com/adamlounds/nightscout-uam/models"
	"github.com/adamlounds/nightscout-uam/solvers"
	nightscoutstore "github.com/adamlounds/nightscout-uam/stores/nightscout"
	"github.com/adamlounds/nightscout-uam/stats"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	slogctx "github.com/veqryn/slog-context"
)

type EstimationService interface {
	Estimate(ctx context.Context, req estimation.Request) (*estimation.Result, error)
	Run(ctx context.Context, id string) (*models.EstimationRun, error)
	LatestRuns(ctx context.Context, count int) ([]models.EstimationRun, error)
}

type NightscoutRepository interface {
	FetchDataset(ctx context.Context, nsCfg repository.NightscoutConfig, from, to time.Time) (*models.Dataset, error)
	UploadMeals(ctx context.Context, nsCfg repository.NightscoutConfig, meals []models.MealEvent, algorithm string) error
}

type ApiV1 struct {
	EstimationService
	NightscoutRepository
	// DatasetRepository is optional; without it datasets cannot be stored.
	DatasetRepository models.DatasetRepository
}

type estimateResponse struct {
	Run         *models.EstimationRun `json:"run"`
	Diagnostics solvers.Diagnostics   `json:"diagnostics"`
	Stats       *statsResponse        `json:"stats"`
}

type statsResponse struct {
	From       time.Time     `json:"from"`
	NumSamples int           `json:"numSamples"`
	StartValue float64       `json:"startValue"`
	Absolute   stats.Summary `json:"absolute"`
	Percent    stats.Summary `json:"percent"`
}

func newEstimateResponse(res *estimation.Result) *estimateResponse {
	resp := &estimateResponse{Run: res.Run, Diagnostics: res.Diagnostics}
	if res.Stats != nil {
		resp.Stats = &statsResponse{
			From:       res.Stats.From,
			NumSamples: len(res.Stats.Points),
			StartValue: res.Stats.StartValue,
			Absolute:   res.Stats.Absolute,
			Percent:    res.Stats.Percent,
		}
	}
	return resp
}

// writeError maps domain errors to a status code.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	log := slogctx.FromCtx(r.Context())
	switch {
	case errors.Is(err, models.ErrValidation), errors.Is(err, solvers.ErrUnknownSolver):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, models.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	default:
		log.Info("request failed", slog.String("path", r.URL.Path), slog.Any("err", err))
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

// parseWindow reads optional from/to query params (RFC3339).
func parseWindow(r *http.Request) (from, to time.Time, err error) {
	q := r.URL.Query()
	if s := q.Get("from"); s != "" {
		if from, err = time.Parse(time.RFC3339, s); err != nil {
			return from, to, fmt.Errorf("%w: from must be RFC3339", models.ErrValidation)
		}
	}
	if s := q.Get("to"); s != "" {
		if to, err = time.Parse(time.RFC3339, s); err != nil {
			return from, to, fmt.Errorf("%w: to must be RFC3339", models.ErrValidation)
		}
	}
	return from, to, nil
}

// EstimateMeals runs a solver over the dataset in the request body.
// POST /api/v1/meals/estimate?solver=grid&from=...&to=...
func (a ApiV1) EstimateMeals(w http.ResponseWriter, r *http.Request) {
	var dataset models.Dataset
	if err := render.DecodeJSON(r.Body, &dataset); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	a.estimate(w, r, &dataset)
}

// EstimateStoredDataset runs a solver over a previously stored dataset.
// POST /api/v1/meals/estimate/datasets/{name}
func (a ApiV1) EstimateStoredDataset(w http.ResponseWriter, r *http.Request) {
	if a.DatasetRepository == nil {
		http.Error(w, "dataset storage is not configured", http.StatusNotImplemented)
		return
	}
	dataset, err := a.DatasetRepository.FetchDataset(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	a.estimate(w, r, dataset)
}

func (a ApiV1) estimate(w http.ResponseWriter, r *http.Request, dataset *models.Dataset) {
	from, to, err := parseWindow(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := a.Estimate(r.Context(), estimation.Request{
		Dataset: dataset,
		Solver:  r.URL.Query().Get("solver"),
		From:    from,
		To:      to,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	render.JSON(w, r, newEstimateResponse(res))
}

// SaveDataset stores the dataset in the request body under its name.
// POST /api/v1/datasets
func (a ApiV1) SaveDataset(w http.ResponseWriter, r *http.Request) {
	if a.DatasetRepository == nil {
		http.Error(w, "dataset storage is not configured", http.StatusNotImplemented)
		return
	}
	var dataset models.Dataset
	if err := render.DecodeJSON(r.Body, &dataset); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if _, err := dataset.Inputs(); err != nil {
		writeError(w, r, err)
		return
	}
	if err := a.DatasetRepository.SaveDataset(r.Context(), &dataset); err != nil {
		writeError(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, map[string]interface{}{"name": dataset.Name, "numRecords": len(dataset.Records)})
}

type nightscoutEstimateRequest struct {
	URL       string    `json:"url"`
	Token     string    `json:"token"`
	APISecret string    `json:"api_secret"`
	From      time.Time `json:"from"`
	To        time.Time `json:"to"`
	Solver    string    `json:"solver"`
	Upload    bool      `json:"upload"`
}

// nightscoutConfig validates the remote and its credentials.
func (req nightscoutEstimateRequest) nightscoutConfig() (repository.NightscoutConfig, string) {
	if req.URL == "" {
		return repository.NightscoutConfig{}, "missing url"
	}
	u, err := url.Parse(req.URL)
	if err != nil {
		return repository.NightscoutConfig{}, "bad url"
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return repository.NightscoutConfig{}, "url must be http/https"
	}
	if u.Host == "" {
		return repository.NightscoutConfig{}, "url must include a hostname"
	}
	if req.Token == "" && req.APISecret == "" {
		return repository.NightscoutConfig{}, "token or api_secret must be supplied"
	}
	// nightscout refuses api secrets shorter than 12 characters
	if req.APISecret != "" && len(req.APISecret) < 12 {
		return repository.NightscoutConfig{}, "api_secret must be at least 12 characters long"
	}
	// tokens are name-hash, the hash alone is 16 hex characters
	if req.Token != "" && len(req.Token) < 17 {
		return repository.NightscoutConfig{}, "token must be at least 17 characters long"
	}
	return repository.NightscoutConfig{URL: u, Token: req.Token, APISecret: req.APISecret}, ""
}

// EstimateNightscout fetches a window from a remote nightscout, estimates
// meals and optionally uploads them back as treatments.
// POST /api/v1/meals/estimate/nightscout
func (a ApiV1) EstimateNightscout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogctx.FromCtx(ctx)

	var req nightscoutEstimateRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	nsCfg, problem := req.nightscoutConfig()
	if problem != "" {
		http.Error(w, problem, http.StatusBadRequest)
		return
	}
	if req.To.IsZero() {
		req.To = time.Now()
	}
	if req.From.IsZero() {
		req.From = req.To.Add(-24 * time.Hour)
	}
	if !req.From.Before(req.To) {
		http.Error(w, "from must be before to", http.StatusBadRequest)
		return
	}

	dataset, err := a.FetchDataset(ctx, nsCfg, req.From, req.To)
	if err != nil {
		log.Info("cannot fetch dataset from nightscout", slog.Any("err", err))
		if errors.Is(err, nightscoutstore.ErrAccessDenied) {
			http.Error(w, "Remote nightscout instance denied access", http.StatusBadRequest)
			return
		}
		http.Error(w, "Cannot fetch entries from remote nightscout instance", http.StatusBadRequest)
		return
	}

	res, err := a.Estimate(ctx, estimation.Request{Dataset: dataset, Solver: req.Solver})
	if err != nil {
		writeError(w, r, err)
		return
	}

	if req.Upload && len(res.Run.Meals) > 0 {
		if err := a.UploadMeals(ctx, nsCfg, res.Run.Meals, res.Run.Solver); err != nil {
			log.Warn("cannot upload meals", slog.String("runID", res.Run.ID), slog.Any("err", err))
			http.Error(w, "Cannot upload meals to remote nightscout instance", http.StatusBadGateway)
			return
		}
	}
	render.JSON(w, r, newEstimateResponse(res))
}

// ListRuns returns recent runs, newest first.
// GET /api/v1/meals/runs?count=10
func (a ApiV1) ListRuns(w http.ResponseWriter, r *http.Request) {
	count := 10
	if s := r.URL.Query().Get("count"); s != "" {
		var err error
		count, err = strconv.Atoi(s)
		if err != nil {
			http.Error(w, "count must be an integer", http.StatusBadRequest)
			return
		}
	}
	if count < 1 {
		http.Error(w, "count must be >= 1", http.StatusBadRequest)
		return
	}
	if count > 1000 {
		http.Error(w, "count must be <= 1000", http.StatusBadRequest)
		return
	}

	runs, err := a.LatestRuns(r.Context(), count)
	if err != nil {
		writeError(w, r, err)
		return
	}
	render.JSON(w, r, runs)
}

// RunByID returns a stored run with its meals.
// GET /api/v1/meals/runs/{id}
func (a ApiV1) RunByID(w http.ResponseWriter, r *http.Request) {
	run, err := a.Run(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	render.JSON(w, r, run)
}

// RunTreatments exports a run's meals as nightscout treatments.
// GET /api/v1/meals/runs/{id}/treatments
func (a ApiV1) RunTreatments(w http.ResponseWriter, r *http.Request) {
	run, err := a.Run(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	a.renderTreatmentList(w, r, repository.MealTreatments(run.Meals, run.Solver))
}

func (a ApiV1) renderTreatmentList(w http.ResponseWriter, r *http.Request, treatments []models.Treatment) {
	response := make([]map[string]interface{}, 0, len(treatments))
	for _, t := range treatments {
		doc := make(map[string]interface{}, len(t.Fields)+4)
		for k, v := range t.Fields {
			doc[k] = v
		}
		doc["_id"] = t.ID
		if t.Type != "" {
			doc["eventType"] = t.Type
		}
		doc["created_at"] = t.Time.UTC().Format("2006-01-02T15:04:05.000Z")
		doc["mills"] = t.Time.UnixMilli()
		response = append(response, doc)
	}
	render.JSON(w, r, response)
}
