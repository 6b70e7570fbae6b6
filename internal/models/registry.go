package models

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/failure"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Descriptor describes a declared model and whether it is the active one.
type Descriptor struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Path   string `json:"path"`
	Loaded bool   `json:"loaded"`
}

type activeModel struct {
	id  string
	rec stt.Recognizer
}

// Registry owns the declared models and the single active recognizer.
// Loading or releasing is refused while a Lease is held.
type Registry struct {
	mu      sync.Mutex
	order   []string
	entries map[string]config.ModelEntry
	loader  stt.Loader
	active  *activeModel
	leases  int
	loading bool
	log     *slog.Logger
	meter   metric.Meter
}

func NewRegistry(entries []config.ModelEntry, loader stt.Loader, log *slog.Logger) (*Registry, error) {
	if err := ValidateEntries(entries); err != nil {
		return nil, err
	}
	r := &Registry{
		entries: make(map[string]config.ModelEntry, len(entries)),
		loader:  loader,
		log:     log.With(slog.String("component", "model-registry")),
		meter:   otel.Meter("github.com/loqalabs/loqa-scribe/models"),
	}
	for _, e := range entries {
		r.order = append(r.order, e.ID)
		r.entries[e.ID] = e
	}
	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slogError(err))
	}
	return r, nil
}

// List returns every declared model in declaration order.
func (r *Registry) List() []Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Descriptor, 0, len(r.order))
	for _, id := range r.order {
		e := r.entries[id]
		out = append(out, Descriptor{
			ID:     e.ID,
			Name:   e.Name,
			Path:   e.Path,
			Loaded: r.active != nil && r.active.id == id,
		})
	}
	return out
}

// Active reports the id of the loaded model.
func (r *Registry) Active() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return "", false
	}
	return r.active.id, true
}

// Load makes id the active model. The previous recognizer is released
// before the new one is initialized, so the slot is empty while loading.
// Loading the model that is already active is a no-op.
func (r *Registry) Load(ctx context.Context, id string) error {
	r.mu.Lock()
	entry, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return failure.Wrapf(failure.ErrUnknownModel, "%q", id)
	}
	if r.leases > 0 || r.loading {
		r.mu.Unlock()
		return failure.ErrEngineBusy
	}
	if r.active != nil && r.active.id == id {
		r.mu.Unlock()
		return nil
	}
	previous := r.active
	r.active = nil
	r.loading = true
	r.mu.Unlock()

	if previous != nil {
		r.closeRecognizer(previous)
	}

	rec, err := r.loader.Load(ctx, entry.Path)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.loading = false
	if err != nil {
		r.log.Warn("model load failed", slog.String("model", id), slogError(err))
		return failure.Wrap(failure.ErrModelLoad, fmt.Errorf("load %s: %w", id, err))
	}
	r.active = &activeModel{id: id, rec: rec}
	r.log.Info("model loaded", slog.String("model", id), slog.String("path", entry.Path))
	return nil
}

// Release unloads the active model. It is a no-op when nothing is loaded.
func (r *Registry) Release() error {
	r.mu.Lock()
	if r.leases > 0 || r.loading {
		r.mu.Unlock()
		return failure.ErrEngineBusy
	}
	previous := r.active
	r.active = nil
	r.mu.Unlock()

	if previous != nil {
		r.closeRecognizer(previous)
	}
	return nil
}

// Acquire pins the active recognizer for one transcription.
func (r *Registry) Acquire() (*Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return nil, failure.ErrModelNotLoaded
	}
	r.leases++
	return &Lease{registry: r, id: r.active.id, rec: r.active.rec}, nil
}

// Busy reports whether a transcription holds the active recognizer.
func (r *Registry) Busy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leases > 0
}

// Close releases the active model regardless of outstanding leases.
func (r *Registry) Close() error {
	r.mu.Lock()
	previous := r.active
	r.active = nil
	r.mu.Unlock()
	if previous == nil {
		return nil
	}
	return previous.rec.Close()
}

func (r *Registry) closeRecognizer(m *activeModel) {
	if err := m.rec.Close(); err != nil {
		r.log.Warn("model release failed", slog.String("model", m.id), slogError(err))
		return
	}
	r.log.Info("model released", slog.String("model", m.id))
}

// Lease keeps a recognizer active until Release is called.
type Lease struct {
	registry *Registry
	id       string
	rec      stt.Recognizer
	once     sync.Once
}

func (l *Lease) ModelID() string { return l.id }

func (l *Lease) Recognizer() stt.Recognizer { return l.rec }

// Release returns the lease. Extra calls are ignored.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.registry.mu.Lock()
		l.registry.leases--
		l.registry.mu.Unlock()
	})
}

func (r *Registry) initMetrics() error {
	if r.meter == nil {
		return nil
	}
	registered, err := r.meter.Int64ObservableGauge("scribe.models.registered", metric.WithDescription("Number of declared models"))
	if err != nil {
		return err
	}
	loaded, err := r.meter.Int64ObservableGauge("scribe.models.loaded", metric.WithDescription("1 when a model is active"))
	if err != nil {
		return err
	}
	leases, err := r.meter.Int64ObservableGauge("scribe.models.leases", metric.WithDescription("Transcriptions holding the active model"))
	if err != nil {
		return err
	}
	_, err = r.meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		var active int64
		if r.active != nil {
			active = 1
		}
		obs.ObserveInt64(registered, int64(len(r.order)))
		obs.ObserveInt64(loaded, active)
		obs.ObserveInt64(leases, int64(r.leases))
		return nil
	}, registered, loaded, leases)
	return err
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
