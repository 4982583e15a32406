package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/paradas/internal/geo"
	"github.com/sells-group/paradas/internal/model"
	"github.com/sells-group/paradas/internal/monitoring"
	"github.com/sells-group/paradas/internal/store"
	"github.com/sells-group/paradas/internal/survey"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the local API for a survey UI",
	Long:  "Serves the record queue, projection and sync over HTTP, runs queue health checks, and syncs periodically when sync.interval_secs is set.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		collector := monitoring.NewCollector(env.Store)
		checker := monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
		go checker.Run(ctx)

		if cfg.Sync.IntervalSecs > 0 && env.Engine != nil {
			go runPeriodicSync(ctx, env.Engine, time.Duration(cfg.Sync.IntervalSecs)*time.Second)
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           buildRouter(env),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

type pointRequest struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func (p pointRequest) coordinate() geo.Coordinate {
	return geo.Coordinate{Latitude: p.Latitude, Longitude: p.Longitude}
}

// buildRouter wires the local API onto env.
func buildRouter(env *appEnv) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		snap, err := monitoring.NewCollector(env.Store).Collect(req.Context())
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, snap)
	})

	r.Route("/records", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, req *http.Request) {
			filter, err := recordFilterFromQuery(req)
			if err != nil {
				respondError(w, err)
				return
			}
			recs, err := env.Store.List(req.Context(), filter)
			if err != nil {
				respondError(w, err)
				return
			}
			if recs == nil {
				recs = []model.Record{}
			}
			respondJSON(w, http.StatusOK, recs)
		})

		r.Post("/", func(w http.ResponseWriter, req *http.Request) {
			var in survey.Input
			if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
				respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
				return
			}
			res, err := env.Capturer.Capture(req.Context(), in)
			if err != nil {
				respondError(w, err)
				return
			}
			respondJSON(w, http.StatusCreated, res)
		})

		r.Get("/pending-count", func(w http.ResponseWriter, req *http.Request) {
			n, err := env.Store.PendingCount(req.Context())
			if err != nil {
				respondError(w, err)
				return
			}
			respondJSON(w, http.StatusOK, map[string]int{"pending": n})
		})

		r.Get("/{id}", func(w http.ResponseWriter, req *http.Request) {
			rec, err := getRecord(req.Context(), env.Store, chi.URLParam(req, "id"))
			if err != nil {
				respondError(w, err)
				return
			}
			respondJSON(w, http.StatusOK, rec)
		})

		r.Patch("/{id}", func(w http.ResponseWriter, req *http.Request) {
			id := chi.URLParam(req, "id")
			var patch model.Patch
			if err := json.NewDecoder(req.Body).Decode(&patch); err != nil {
				respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
				return
			}

			// A moved stop is snapped again unless the caller decided the
			// interpolated location itself.
			if patch.RawLocation != nil && patch.InterpolatedLocation == nil && !patch.ClearInterpolated {
				relocated, _, err := env.Capturer.Relocate(req.Context(), *patch.RawLocation, false)
				if err != nil {
					respondError(w, err)
					return
				}
				patch.InterpolatedLocation = relocated.InterpolatedLocation
				patch.ClearInterpolated = relocated.ClearInterpolated
			}

			if err := env.Store.Update(req.Context(), id, patch); err != nil {
				respondError(w, err)
				return
			}
			rec, err := getRecord(req.Context(), env.Store, id)
			if err != nil {
				respondError(w, err)
				return
			}
			respondJSON(w, http.StatusOK, rec)
		})
	})

	r.Post("/sync", func(w http.ResponseWriter, req *http.Request) {
		if env.Engine == nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "remote service not configured"})
			return
		}
		sum, err := env.Engine.SyncAll(req.Context())
		if err != nil {
			zap.L().Warn("sync request interrupted", zap.Error(err))
		}
		respondJSON(w, http.StatusOK, sum)
	})

	r.Post("/routes/load", func(w http.ResponseWriter, req *http.Request) {
		var p pointRequest
		if err := json.NewDecoder(req.Body).Decode(&p); err != nil {
			respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		if !p.coordinate().Valid() {
			respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid location"})
			return
		}
		loaded, err := env.Index.Load(req.Context(), p.coordinate())
		if err != nil {
			respondJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
			return
		}
		if loaded == nil {
			loaded = []geo.Route{}
		}
		respondJSON(w, http.StatusOK, map[string]any{"routes": loaded})
	})

	r.Post("/project", func(w http.ResponseWriter, req *http.Request) {
		var p pointRequest
		if err := json.NewDecoder(req.Body).Decode(&p); err != nil {
			respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		proj, err := env.Capturer.Snap(req.Context(), p.coordinate())
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{"projection": proj})
	})

	return r
}

func recordFilterFromQuery(req *http.Request) (store.RecordFilter, error) {
	var filter store.RecordFilter
	q := req.URL.Query()
	if v := q.Get("status"); v != "" {
		for _, s := range strings.Split(v, ",") {
			status := model.SyncStatus(strings.ToLower(strings.TrimSpace(s)))
			if !status.Valid() {
				return filter, eris.Wrapf(store.ErrValidation, "unknown status %q", s)
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, eris.Wrapf(store.ErrValidation, "invalid limit %q", v)
		}
		filter.Limit = n
	}
	return filter, nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// respondError maps store and capture errors onto HTTP statuses.
func respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case store.IsValidation(err):
		status = http.StatusBadRequest
	case store.IsNotFound(err):
		status = http.StatusNotFound
	case store.IsInvalidState(err):
		status = http.StatusConflict
	case eris.Is(err, survey.ErrNotLoggedIn):
		status = http.StatusUnauthorized
	}
	if status == http.StatusInternalServerError {
		zap.L().Error("api request failed", zap.Error(err))
	}
	respondJSON(w, status, map[string]string{"error": err.Error()})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
