package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	repository "github.com/adamlounds/nightscout-uam/adapters"
	"github.com/adamlounds/nightscout-uam/config"
	"github.com/adamlounds/nightscout-uam/controllers"
	"github.com/adamlounds/nightscout-uam/estimation"
	"github.com/adamlounds/nightscout-uam/models"
	bucketstore "github.com/adamlounds/nightscout-uam/stores/bucket"
	sqlitestore "github.com/adamlounds/nightscout-uam/stores/sqlite"
	"github.com/adamlounds/nightscout-uam/telemetry"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	slogctx "github.com/veqryn/slog-context"
)

const version = "0.1.0"

func main() {
	var cfg config.ServerConfig
	err := cfg.RegisterEnv()
	if err != nil {
		panic(err)
	}

	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}
	h := slogctx.NewHandler(slog.NewJSONHandler(os.Stdout, opts), nil)
	log := slog.New(h)
	slog.SetDefault(log.With(slog.Int("pid", os.Getpid())))
	ctx := slogctx.NewCtx(context.Background(), slog.Default())

	run(ctx, cfg)
}

func run(ctx context.Context, cfg config.ServerConfig) {
	log := slogctx.FromCtx(ctx)
	serverCtx, serverStopCtx := context.WithCancel(ctx)

	shutdownTelemetry, err := telemetry.Init(serverCtx, cfg.OTelEndpoint, "nightscout-uam", version, cfg.OTelInsecure)
	if err != nil {
		log.Error("run cannot configure telemetry", slog.Any("error", err))
		os.Exit(1)
	}

	db, err := sqlitestore.New(cfg.SqlitePath)
	if err != nil {
		log.Error("run cannot open sqlite", slog.String("path", cfg.SqlitePath), slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()
	if err := db.Ping(serverCtx); err != nil {
		log.Error("run cannot ping sqlite", slog.Any("error", err))
		os.Exit(1)
	}
	runRepository := repository.NewSqliteRunRepository(db)

	var mealRepository models.MealRepository
	var datasetRepository models.DatasetRepository
	if cfg.BucketConfig != nil {
		bs, err := bucketstore.New(*cfg.BucketConfig)
		if err != nil {
			log.Error("run cannot configure bucket storage", slog.Any("error", err))
			os.Exit(1)
		}
		if err := bs.Ping(serverCtx); err != nil {
			log.Error("run cannot ping bucket storage", slog.Any("error", err))
			os.Exit(1)
		}
		mealRepository = repository.NewBucketMealRepository(bs)
		datasetRepository = repository.NewBucketDatasetRepository(bs)
	} else {
		log.Warn("no BUCKET_CONFIG, run meals and datasets will not be stored")
	}

	if cfg.APISecretHash == "" {
		log.Warn("no API_SECRET, only auth tokens can authenticate")
	}
	authRepository := repository.NewConfigAuthRepository(cfg.APISecretHash, cfg.DefaultRole, cfg.AuthTokens)
	authService := &models.AuthService{AuthRepository: authRepository}

	estimationService := estimation.NewService(cfg.Estimator, runRepository, mealRepository)

	apiV1C := controllers.ApiV1{
		EstimationService:    estimationService,
		NightscoutRepository: repository.NewNightscoutRepository(),
		DatasetRepository:    datasetRepository,
	}
	apiV1mw := controllers.ApiV1AuthnMiddleware{
		AuthService: authService,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.StripSlashes)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(apiV1mw.SetAuthentication)
		r.Use(middleware.URLFormat)
		r.With(apiV1mw.Authz("api:meals:create")).Post("/meals/estimate", apiV1C.EstimateMeals)
		r.With(apiV1mw.Authz("api:meals:create")).Post("/meals/estimate/nightscout", apiV1C.EstimateNightscout)
		r.With(apiV1mw.Authz("api:meals:create")).Post("/meals/estimate/datasets/{name}", apiV1C.EstimateStoredDataset)
		r.With(apiV1mw.Authz("api:meals:create")).Post("/datasets", apiV1C.SaveDataset)
		r.With(apiV1mw.Authz("api:meals:read")).Get("/meals/runs", apiV1C.ListRuns)
		r.With(apiV1mw.Authz("api:meals:read")).Get("/meals/runs/{id:[0-9A-Z]{26}}", apiV1C.RunByID)
		r.With(apiV1mw.Authz("api:meals:read")).Get("/meals/runs/{id:[0-9A-Z]{26}}/treatments", apiV1C.RunTreatments)
	})
	r.Mount("/debug", middleware.Profiler())
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		runs, err := runRepository.FetchLatestRuns(r.Context(), 1)
		if err != nil {
			log.Info("runRepository.FetchLatestRuns failed", slog.Any("error", err))
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		if len(runs) == 0 {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		latest := runs[0]
		_, _ = fmt.Fprintf(w, "nightscout-uam %s: latest run %s (%s) found %d meals, %.1f g\n", //nolint:errcheck
			version, latest.ID, latest.Solver, latest.NumMeals, latest.MealCarbs)
	})

	server := &http.Server{Addr: cfg.Server.Address, Handler: r}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		<-sig
		shutdownCtx, _ := context.WithTimeout(serverCtx, time.Second*10) //nolint:govet
		go func() {
			<-shutdownCtx.Done()
			if errors.Is(shutdownCtx.Err(), context.DeadlineExceeded) {
				log.Error("graceful shutdown timed out, forcing exit")
			}
		}()

		err := server.Shutdown(shutdownCtx)
		if err != nil {
			log.Error("cannot shutdown server", slog.Any("error", err))
		}
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			log.Error("cannot flush telemetry", slog.Any("error", err))
		}
		serverStopCtx()
	}()

	log.Info("Starting server on", "address", cfg.Server.Address)
	err = server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("server terminated", slog.Any("error", err))
	}
	log.Info("shutdown ok")
	<-serverCtx.Done()
}
