package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/artifacts"
	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/capture"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/control"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/models"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
	"github.com/loqalabs/loqa-scribe/internal/pipeline"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/loqalabs/loqa-scribe/internal/transcode"
)

// stack holds every long-lived component of the daemon.
type stack struct {
	log       *slog.Logger
	events    *eventstore.Store
	artifacts *artifacts.Store
	registry  *models.Registry
	orch      *pipeline.Orchestrator
	embedded  *natsserver.EmbeddedServer
	bus       *bus.Client
	control   *control.Service
	cmds      *control.Commands
}

// retainedEvents are kept in the JetStream event stream.
var retainedEvents = []string{
	protocol.EventState,
	protocol.EventSegments,
	protocol.EventSegmentError,
	protocol.EventCompleted,
	protocol.EventFailed,
}

func buildStack(ctx context.Context, cfg config.Config, log *slog.Logger) (*stack, error) {
	st := &stack{log: log}
	if err := st.build(ctx, cfg); err != nil {
		if cerr := st.close(context.Background()); cerr != nil {
			log.Warn("partial stack cleanup failed", slogError(cerr))
		}
		return nil, err
	}
	return st, nil
}

func (st *stack) build(ctx context.Context, cfg config.Config) error {
	log := st.log
	var err error
	if st.events, err = eventstore.Open(ctx, cfg.EventStore, log.With(slog.String("component", "eventstore"))); err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	if st.artifacts, err = artifacts.Open(cfg.Artifacts); err != nil {
		return err
	}

	loader, err := stt.NewLoader(cfg.Engine, log.With(slog.String("component", "stt")))
	if err != nil {
		return err
	}
	entries, err := models.Entries(cfg.Models)
	if err != nil {
		return err
	}
	if st.registry, err = models.NewRegistry(entries, loader, log); err != nil {
		return err
	}
	if id := cfg.Models.Default; id != "" {
		if err := st.registry.Load(ctx, id); err != nil {
			// Sessions fail with ModelNotLoaded until a model is loaded.
			log.Warn("default model not loaded", slog.String("model", id), slogError(err))
		}
	}

	rec, err := capture.New(cfg.Capture, log.With(slog.String("component", "capture")))
	if err != nil {
		return err
	}
	conv, err := transcode.New(cfg.Transcoder, log.With(slog.String("component", "transcode")))
	if err != nil {
		return err
	}

	sinks := []pipeline.Sink{pipeline.NewStoreSink(st.events, log)}
	if cfg.Bus.Enabled {
		if err := st.connectBus(ctx, cfg); err != nil {
			return err
		}
		sinks = append(sinks, pipeline.NewBusSink(st.bus, log))
	}

	st.orch, err = pipeline.New(ctx, pipeline.Options{
		Capture:              rec,
		Transcoder:           conv,
		Models:               st.registry,
		Artifacts:            st.artifacts,
		Language:             cfg.Engine.Language,
		CancelTimeout:        millis(cfg.Pipeline.CancelTimeoutMS),
		ConversionTimeout:    millis(cfg.Pipeline.ConversionTimeoutMS),
		TranscriptionTimeout: millis(cfg.Pipeline.TranscriptionTimeoutMS),
		CleanupOnDiscard:     cfg.Artifacts.CleanupOnDiscard,
		Sinks:                sinks,
	}, log)
	if err != nil {
		return err
	}

	st.cmds = control.NewCommands(st.orch, st.registry, st.artifacts, st.events, log)
	if st.bus != nil {
		st.control = control.NewService(ctx, st.bus, st.cmds)
		if err := st.control.Start(); err != nil {
			return err
		}
	}
	return nil
}

func (st *stack) connectBus(ctx context.Context, cfg config.Config) error {
	busCfg := cfg.Bus
	if busCfg.Embedded {
		srv, err := natsserver.Start(busCfg, st.log)
		if err != nil {
			return err
		}
		st.embedded = srv
		if len(busCfg.Servers) == 0 {
			busCfg.Servers = []string{srv.ClientURL()}
		}
	}
	client, err := bus.Connect(ctx, busCfg, st.log.With(slog.String("component", "bus")))
	if err != nil {
		return err
	}
	st.bus = client

	if busCfg.Embedded {
		subjects := make([]string, 0, len(retainedEvents))
		for _, evt := range retainedEvents {
			subjects = append(subjects, protocol.EventSubject(evt))
		}
		maxAge := 7 * 24 * time.Hour
		if days := cfg.EventStore.RetentionDays; days > 0 {
			maxAge = time.Duration(days) * 24 * time.Hour
		}
		if err := client.EnsureEventStream(subjects, maxAge); err != nil {
			st.log.Warn("event stream unavailable", slogError(err))
		}
	}
	return nil
}

func (st *stack) healthy() bool {
	if st.bus != nil && !st.bus.Healthy() {
		return false
	}
	if st.control != nil && !st.control.Healthy() {
		return false
	}
	return true
}

// close tears components down in reverse construction order.
func (st *stack) close(ctx context.Context) error {
	var errs []error
	if st.control != nil {
		st.control.Close()
	}
	if st.orch != nil {
		if err := st.orch.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if st.bus != nil {
		st.bus.Close()
	}
	if st.embedded != nil {
		st.embedded.Shutdown()
	}
	if st.registry != nil {
		if err := st.registry.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if st.events != nil {
		if err := st.events.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
