package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/experiment-cli/internal/analysis"
	"github.com/sells-group/experiment-cli/internal/events"
	"github.com/sells-group/experiment-cli/internal/lifecycle"
	"github.com/sells-group/experiment-cli/internal/store"
)

// engineEnv holds the initialized store and controller the commands need.
type engineEnv struct {
	Store      store.Store
	Controller *lifecycle.Controller
}

// Close releases resources held by the engine environment.
func (e *engineEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEngine opens the configured store, runs migrations, and wires the
// controller with the configured statistical knobs. Callers should defer
// env.Close().
func initEngine(ctx context.Context) (*engineEnv, error) {
	var st store.Store
	var err error
	if cfg.Store.Driver == "postgres" && cfg.Store.Pool != nil {
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, cfg.Store.Pool)
	} else {
		st, err = store.New(ctx, cfg.Store.Driver, cfg.Store.DatabaseURL)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	recorder := events.NewRecorder(st,
		events.WithGraceWindow(time.Duration(cfg.Engine.GraceWindowHours)*time.Hour))
	analyzer := analysis.NewAnalyzer(st,
		analysis.WithSignificanceLevel(cfg.Engine.SignificanceLevel),
		analysis.WithSRMThreshold(cfg.Engine.SRMThreshold))

	ctl := lifecycle.NewController(st,
		lifecycle.WithRecorder(recorder),
		lifecycle.WithAnalyzer(analyzer))

	return &engineEnv{Store: st, Controller: ctl}, nil
}
