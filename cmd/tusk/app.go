// ABOUTME: Wires configuration into a running engine: store backend, task transport, event sinks and metrics.
// ABOUTME: The app owns every resource it opens and releases them in reverse order on Close.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/2389-research/tusk/config"
	"github.com/2389-research/tusk/engine"
	"github.com/2389-research/tusk/events"
	"github.com/2389-research/tusk/execution"
	"github.com/2389-research/tusk/facilitator"
	"github.com/2389-research/tusk/server"
	"github.com/2389-research/tusk/steps"
	"github.com/2389-research/tusk/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// app is a configured engine plus everything it depends on.
type app struct {
	cfg     config.Config
	store   execution.Store
	engine  *engine.Engine
	local   *transport.Local
	jsonl   *events.JSONLSink
	metrics http.Handler
}

func openStore(ctx context.Context, cfg config.StoreConfig) (execution.Store, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return execution.NewMemoryStore(), nil
	case config.DriverSQLite:
		return execution.OpenSQLite(cfg.DSN)
	case config.DriverPostgres:
		return execution.OpenPostgres(ctx, cfg.DSN)
	}
	return nil, fmt.Errorf("%w: unknown store driver %q", config.ErrInvalidConfig, cfg.Driver)
}

// echoWorker is the in-process task worker: it returns the task payload as
// the step's outputs.
func echoWorker(_ context.Context, payload json.RawMessage) (map[string]any, error) {
	out := map[string]any{}
	if len(payload) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, fmt.Errorf("decode task payload: %w", err)
	}
	return out, nil
}

func newApp(ctx context.Context, cfg config.Config, verbose bool) (*app, error) {
	a := &app{cfg: cfg}
	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.store = store

	var sinks []events.Sink
	if verbose {
		sinks = append(sinks, events.LogSink{})
	}
	if cfg.EventLog != "" {
		a.jsonl, err = events.OpenJSONL(cfg.EventLog)
		if err != nil {
			a.Close()
			return nil, err
		}
		sinks = append(sinks, a.jsonl)
	}
	if cfg.Metrics {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m, err := events.NewMetricsSink(reg)
		if err != nil {
			a.Close()
			return nil, err
		}
		sinks = append(sinks, m)
		a.metrics = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	var tr transport.Transport
	switch cfg.Transport.Kind {
	case config.TransportHTTP:
		tr = transport.NewHTTP(cfg.Transport.URL, cfg.Transport.CallbackBase)
	default:
		a.local = transport.NewLocal(cfg.Transport.Workers, echoWorker)
		tr = a.local
	}

	facs := facilitator.NewRegistry()
	steps.Register(facs)
	a.engine, err = engine.New(engine.Options{
		Store:              store,
		Facilitators:       facs,
		Transport:          tr,
		Sinks:              sinks,
		EventBuffer:        cfg.EventBuffer,
		MaxNestingDepth:    cfg.MaxNestingDepth,
		DefaultTaskTimeout: cfg.DefaultTaskTimeout.Std(),
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	if a.local != nil {
		a.local.Start(ctx, a.engine.OnExternalCompletion)
	}
	return a, nil
}

func (a *app) handler() http.Handler {
	return server.New(server.Options{Engine: a.engine, Metrics: a.metrics, EventLog: a.cfg.EventLog})
}

// Close stops the transport, drains the engine and closes the sinks and store.
func (a *app) Close() {
	if a.local != nil {
		a.local.Stop()
	}
	if a.engine != nil {
		if err := a.engine.Close(); err != nil {
			log.Printf("component=cli action=close_engine err=%v", err)
		}
	}
	if a.jsonl != nil {
		if err := a.jsonl.Close(); err != nil {
			log.Printf("component=cli action=close_event_log err=%v", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			log.Printf("component=cli action=close_store err=%v", err)
		}
	}
}
