// Package control exposes the pipeline, model registry and artifact
// history to command surfaces.
package control

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/loqalabs/loqa-scribe/internal/artifacts"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/failure"
	"github.com/loqalabs/loqa-scribe/internal/models"
	"github.com/loqalabs/loqa-scribe/internal/pipeline"
)

// Pipeline is the session surface of *pipeline.Orchestrator.
type Pipeline interface {
	BeginRecording() (pipeline.Snapshot, error)
	EndRecording() (pipeline.Snapshot, error)
	Cancel(ctx context.Context) (pipeline.Snapshot, error)
	Discard() error
	TranscribeArtifact(name string) (pipeline.Snapshot, error)
	State() pipeline.Snapshot
}

// Models is the command surface of *models.Registry.
type Models interface {
	List() []models.Descriptor
	Load(ctx context.Context, id string) error
	Release() error
}

// Artifacts is the command surface of *artifacts.Store.
type Artifacts interface {
	List() ([]artifacts.Artifact, error)
	Delete(name string) error
	DeleteAll(keep ...string) (int, error)
}

// Timeline reads recorded sessions. *eventstore.Store implements it.
type Timeline interface {
	ListSessions(ctx context.Context, limit int) ([]eventstore.Session, error)
	ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]eventstore.Event, error)
}

// Commands is shared by the HTTP API and the NATS service.
type Commands struct {
	pipeline  Pipeline
	models    Models
	artifacts Artifacts
	timeline  Timeline
	log       *slog.Logger
}

// NewCommands wires the command set. timeline may be nil.
func NewCommands(p Pipeline, m Models, a Artifacts, t Timeline, log *slog.Logger) *Commands {
	return &Commands{
		pipeline:  p,
		models:    m,
		artifacts: a,
		timeline:  t,
		log:       log.With(slog.String("component", "control")),
	}
}

func (c *Commands) Begin() (pipeline.Snapshot, error) { return c.pipeline.BeginRecording() }

func (c *Commands) End() (pipeline.Snapshot, error) { return c.pipeline.EndRecording() }

func (c *Commands) Cancel(ctx context.Context) (pipeline.Snapshot, error) {
	return c.pipeline.Cancel(ctx)
}

func (c *Commands) Discard() (pipeline.Snapshot, error) {
	if err := c.pipeline.Discard(); err != nil {
		return c.pipeline.State(), err
	}
	return c.pipeline.State(), nil
}

func (c *Commands) State() pipeline.Snapshot { return c.pipeline.State() }

// TranscribeFile transcribes a recording already in the artifacts directory.
func (c *Commands) TranscribeFile(name string) (pipeline.Snapshot, error) {
	return c.pipeline.TranscribeArtifact(name)
}

func (c *Commands) Models() []models.Descriptor { return c.models.List() }

func (c *Commands) LoadModel(ctx context.Context, id string) ([]models.Descriptor, error) {
	if err := c.models.Load(ctx, id); err != nil {
		return c.models.List(), err
	}
	c.log.Info("model activated", slog.String("model", id))
	return c.models.List(), nil
}

func (c *Commands) ReleaseModel() ([]models.Descriptor, error) {
	if err := c.models.Release(); err != nil {
		return c.models.List(), err
	}
	return c.models.List(), nil
}

func (c *Commands) Artifacts() ([]artifacts.Artifact, error) { return c.artifacts.List() }

// DeleteArtifact removes one file. Files of the session in progress are
// refused with SessionBusy.
func (c *Commands) DeleteArtifact(name string) error {
	if base, ok := c.liveBase(); ok {
		if _, b, known := artifacts.Classify(name); known && b == base {
			return failure.Wrapf(failure.ErrSessionBusy, "%s belongs to the session in progress", name)
		}
	}
	if err := c.artifacts.Delete(name); err != nil {
		return err
	}
	c.log.Info("artifact deleted", slog.String("name", name))
	return nil
}

// DeleteAllArtifacts clears the history, sparing the session in progress.
func (c *Commands) DeleteAllArtifacts() (int, error) {
	var keep []string
	if base, ok := c.liveBase(); ok {
		keep = append(keep, base)
	}
	n, err := c.artifacts.DeleteAll(keep...)
	c.log.Info("artifacts deleted", slog.Int("count", n))
	return n, err
}

// liveBase names the artifacts of a session that has not finished.
func (c *Commands) liveBase() (string, bool) {
	snap := c.pipeline.State()
	if snap.SessionID == "" || snap.State.Terminal() {
		return "", false
	}
	if snap.RawPath == "" {
		return snap.SessionID, true
	}
	if _, base, ok := artifacts.Classify(filepath.Base(snap.RawPath)); ok {
		return base, true
	}
	return snap.SessionID, true
}

func (c *Commands) Sessions(ctx context.Context, limit int) ([]eventstore.Session, error) {
	if c.timeline == nil {
		return nil, nil
	}
	return c.timeline.ListSessions(ctx, limit)
}

func (c *Commands) SessionEvents(ctx context.Context, sessionID string, limit int) ([]eventstore.Event, error) {
	if c.timeline == nil {
		return nil, nil
	}
	return c.timeline.ListSessionEvents(ctx, sessionID, limit)
}
