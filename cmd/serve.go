package main

import (
	"encoding/json"
	"errors"
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
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/experiment-cli/internal/events"
	"github.com/sells-group/experiment-cli/internal/lifecycle"
	"github.com/sells-group/experiment-cli/internal/model"
	"github.com/sells-group/experiment-cli/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the experimentation API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		limiter := rate.NewLimiter(rate.Limit(cfg.Engine.IngestRateLimit), cfg.Engine.IngestBurst)
		handler := newAPIHandler(env.Controller, limiter, cfg.Engine.DefaultPower, cfg.Engine.SignificanceLevel)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: handler,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			srv.Shutdown(ctx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// newAPIHandler builds the chi router. The limiter throttles event intake
// only; reads and lifecycle calls are not rate limited. defaultPower and
// defaultAlpha back the samplesize endpoint when the caller omits them.
func newAPIHandler(ctl *lifecycle.Controller, limiter *rate.Limiter, defaultPower, defaultAlpha float64) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/experiments", func(w http.ResponseWriter, req *http.Request) {
			filter := store.ExperimentFilter{Status: model.Status(req.URL.Query().Get("status"))}
			if v := req.URL.Query().Get("limit"); v != "" {
				filter.Limit, _ = strconv.Atoi(v)
			}
			exps, err := ctl.List(req.Context(), filter)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, exps)
		})

		r.Post("/experiments", func(w http.ResponseWriter, req *http.Request) {
			var exp model.Experiment
			if err := json.NewDecoder(req.Body).Decode(&exp); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
				return
			}
			if err := ctl.Create(req.Context(), &exp); err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, exp)
		})

		r.Get("/experiments/{id}", func(w http.ResponseWriter, req *http.Request) {
			exp, err := ctl.Get(req.Context(), chi.URLParam(req, "id"))
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, exp)
		})

		for _, t := range []struct {
			verb string
			do   func(*http.Request, string) (*model.Experiment, error)
		}{
			{"start", func(req *http.Request, id string) (*model.Experiment, error) {
				return ctl.Start(req.Context(), id)
			}},
			{"pause", func(req *http.Request, id string) (*model.Experiment, error) {
				return ctl.Pause(req.Context(), id)
			}},
			{"resume", func(req *http.Request, id string) (*model.Experiment, error) {
				return ctl.Resume(req.Context(), id)
			}},
			{"stop", func(req *http.Request, id string) (*model.Experiment, error) {
				return ctl.Stop(req.Context(), id, req.URL.Query().Get("reason"))
			}},
			{"complete", func(req *http.Request, id string) (*model.Experiment, error) {
				return ctl.Complete(req.Context(), id)
			}},
		} {
			do := t.do
			r.Post("/experiments/{id}/"+t.verb, func(w http.ResponseWriter, req *http.Request) {
				exp, err := do(req, chi.URLParam(req, "id"))
				if err != nil {
					writeError(w, err)
					return
				}
				writeJSON(w, http.StatusOK, exp)
			})
		}

		r.Get("/experiments/{id}/assignment", func(w http.ResponseWriter, req *http.Request) {
			user, err := userFromQuery(req)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
				return
			}
			if user.UserID == "" {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id is required"})
				return
			}
			a, err := ctl.GetAssignment(req.Context(), chi.URLParam(req, "id"), user)
			if err != nil {
				writeError(w, err)
				return
			}
			if a == nil {
				writeJSON(w, http.StatusOK, map[string]any{"eligible": false})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"eligible": true, "assignment": a})
		})

		r.Get("/users/{userID}/assignments", func(w http.ResponseWriter, req *http.Request) {
			user, err := userFromQuery(req)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
				return
			}
			user.UserID = chi.URLParam(req, "userID")
			all, err := ctl.GetAllAssignments(req.Context(), user)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, all)
		})

		r.Post("/events", func(w http.ResponseWriter, req *http.Request) {
			if !limiter.Allow() {
				writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
				return
			}
			var rec events.RecordRequest
			if err := json.NewDecoder(req.Body).Decode(&rec); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
				return
			}
			id, err := ctl.RecordEvent(req.Context(), rec)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusAccepted, map[string]string{"event_id": id})
		})

		r.Get("/experiments/{id}/results", func(w http.ResponseWriter, req *http.Request) {
			res, err := ctl.GetResults(req.Context(), chi.URLParam(req, "id"))
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, res)
		})

		r.Get("/experiments/{id}/duration", func(w http.ResponseWriter, req *http.Request) {
			daily, err := strconv.Atoi(req.URL.Query().Get("daily_traffic"))
			if err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "daily_traffic is required"})
				return
			}
			days, err := ctl.EstimateDuration(req.Context(), chi.URLParam(req, "id"), daily)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]int{"days": days})
		})

		r.Get("/samplesize", func(w http.ResponseWriter, req *http.Request) {
			q := req.URL.Query()
			baseline, err1 := strconv.ParseFloat(q.Get("baseline"), 64)
			mde, err2 := strconv.ParseFloat(q.Get("mde"), 64)
			if err1 != nil || err2 != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "baseline and mde are required"})
				return
			}
			power := defaultPower
			if v := q.Get("power"); v != "" {
				power, _ = strconv.ParseFloat(v, 64)
			}
			alpha := defaultAlpha
			if v := q.Get("alpha"); v != "" {
				alpha, _ = strconv.ParseFloat(v, 64)
			}
			n, err := ctl.CalculateSampleSize(baseline, mde, power, alpha)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
				return
			}
			writeJSON(w, http.StatusOK, map[string]int{"per_arm": n})
		})

		r.Get("/integrity", func(w http.ResponseWriter, req *http.Request) {
			writeJSON(w, http.StatusOK, ctl.Recorder().IntegritySnapshot())
		})
	})

	return r
}

// userFromQuery builds a UserContext from query parameters. Attributes are
// passed as attr.<name>=<value>.
func userFromQuery(req *http.Request) (model.UserContext, error) {
	q := req.URL.Query()
	user := model.UserContext{
		UserID:           q.Get("user_id"),
		SubscriptionTier: q.Get("tier"),
	}
	if v := q.Get("created_at"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return user, fmt.Errorf("invalid created_at: %v", err)
		}
		user.CreatedAt = ts
	}
	for key, vals := range q {
		if name, ok := strings.CutPrefix(key, "attr."); ok && len(vals) > 0 {
			if user.Attributes == nil {
				user.Attributes = make(map[string]string)
			}
			user.Attributes[name] = vals[0]
		}
	}
	return user, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	var verr *model.ValidationError
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrUnknownExperiment):
		status = http.StatusNotFound
	case errors.As(err, &verr):
		status = http.StatusBadRequest
	case errors.Is(err, model.ErrInvalidTransition), errors.Is(err, model.ErrInvalidState):
		status = http.StatusConflict
	case errors.Is(err, model.ErrUnknownMetric), errors.Is(err, model.ErrNotAssigned):
		status = http.StatusUnprocessableEntity
	default:
		zap.L().Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
