// Package config turns user declarations into running configuration: the
// resolver expands declarations into components, and the worker serializes
// applies, persists the accepted declaration and notifies subscribers.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/blheatwole/f5-telemetry-streaming/component"
	"github.com/blheatwole/f5-telemetry-streaming/errors"
	"github.com/blheatwole/f5-telemetry-streaming/kvstore"
	"github.com/blheatwole/f5-telemetry-streaming/message"
	"github.com/blheatwole/f5-telemetry-streaming/pkg/mask"
)

// storageKey is the single key holding the persisted declaration.
const storageKey = "config"

// persistedState is the stored blob shape. Only the raw declaration is
// persisted.
type persistedState struct {
	Raw map[string]any `json:"raw"`
}

// emptyDeclaration is the fallback when nothing is stored or loading
// fails.
func emptyDeclaration() map[string]any {
	return map[string]any{"class": component.ClassTelemetry}
}

// ProcessOptions tunes one declaration apply.
type ProcessOptions struct {
	// Expanded is not read during processing: set events are the same
	// with or without it (components always carry the expansion).
	Expanded bool
	// Save persists the accepted declaration; nil means true.
	Save *bool
	// Metadata is opaque caller context echoed on every event.
	Metadata map[string]any
	// NamespaceToUpdate scopes the apply to one namespace.
	NamespaceToUpdate string
}

func (o ProcessOptions) saveEnabled() bool {
	return o.Save == nil || *o.Save
}

// Worker orchestrates declaration processing. Applies are strictly
// serialized: concurrent calls queue on the apply mutex.
type Worker struct {
	store  kvstore.Store
	logger *slog.Logger
	bus    *EventBus

	applyMu sync.Mutex

	stateMu sync.RWMutex
	raw     map[string]any
	set     *component.Set
}

// NewWorker creates a worker over the given declaration store.
func NewWorker(store kvstore.Store, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "config-worker")
	return &Worker{
		store:  store,
		logger: logger,
		bus:    NewEventBus(logger),
		raw:    emptyDeclaration(),
		set:    &component.Set{Mappings: make(component.Mappings)},
	}
}

// Events exposes the worker's event bus.
func (w *Worker) Events() *EventBus {
	return w.bus
}

// CurrentSet returns the last resolved component set.
func (w *Worker) CurrentSet() *component.Set {
	w.stateMu.RLock()
	defer w.stateMu.RUnlock()
	return w.set
}

// GetDeclaration returns the stored raw declaration, optionally sliced to
// one namespace.
func (w *Worker) GetDeclaration(namespace string) (map[string]any, error) {
	w.stateMu.RLock()
	defer w.stateMu.RUnlock()

	if namespace == "" {
		return message.CopyTree(w.raw), nil
	}

	value, ok := w.raw[namespace]
	if ok {
		if obj, isObj := value.(map[string]any); isObj {
			if class, _ := obj["class"].(string); class == component.ClassNamespace {
				return message.CopyTree(obj), nil
			}
		}
	}
	return nil, errors.NewObjectNotFoundError(fmt.Sprintf("Namespace %q", namespace))
}

// Load rehydrates the worker from storage at startup. On failure it falls
// back to an empty declaration without overwriting the stored blob.
func (w *Worker) Load(ctx context.Context) error {
	w.applyMu.Lock()
	defer w.applyMu.Unlock()

	blob, err := w.store.Get(ctx, storageKey)
	if err != nil {
		if errors.Is(err, errors.ErrKeyNotFound) {
			w.logger.Info("no stored declaration, starting empty")
			return w.applyLocked(emptyDeclaration(), ProcessOptions{Save: boolPtr(false)})
		}
		w.logger.Error("failed to load stored declaration, starting empty", "error", err)
		return w.applyLocked(emptyDeclaration(), ProcessOptions{Save: boolPtr(false)})
	}

	var state persistedState
	if err := json.Unmarshal(blob, &state); err != nil || state.Raw == nil {
		w.logger.Error("stored declaration unreadable, starting empty", "error", err)
		return w.applyLocked(emptyDeclaration(), ProcessOptions{Save: boolPtr(false)})
	}

	if err := w.applyLocked(state.Raw, ProcessOptions{Save: boolPtr(false)}); err != nil {
		w.logger.Error("stored declaration no longer valid, starting empty", "error", err)
		return w.applyLocked(emptyDeclaration(), ProcessOptions{Save: boolPtr(false)})
	}
	return nil
}

// ProcessDeclaration validates, expands, optionally persists and applies a
// full declaration.
func (w *Worker) ProcessDeclaration(ctx context.Context, declaration map[string]any, opts ProcessOptions) (*component.Set, error) {
	w.applyMu.Lock()
	defer w.applyMu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := w.applyLocked(declaration, opts); err != nil {
		return nil, err
	}
	return w.CurrentSet(), nil
}

// ProcessNamespaceDeclaration validates a namespace fragment, merges it
// into the full declaration and applies the result scoped to that
// namespace.
func (w *Worker) ProcessNamespaceDeclaration(ctx context.Context, nsDeclaration map[string]any, namespace string, opts ProcessOptions) (*component.Set, error) {
	if namespace == "" {
		return nil, errors.NewValidationError("namespace name must not be empty")
	}

	w.applyMu.Lock()
	defer w.applyMu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fragment := message.CopyTree(nsDeclaration)
	if class, _ := fragment["class"].(string); class == "" {
		fragment["class"] = component.ClassNamespace
	} else if class != component.ClassNamespace {
		return nil, errors.NewValidationError(fmt.Sprintf(
			"namespace declaration must have class %q, got %q", component.ClassNamespace, class))
	}

	w.stateMu.RLock()
	merged := message.CopyTree(w.raw)
	w.stateMu.RUnlock()

	if existing, ok := merged[namespace].(map[string]any); ok {
		if class, _ := existing["class"].(string); class != component.ClassNamespace {
			return nil, errors.NewValidationError(fmt.Sprintf(
				"cannot override class of %q (%s with %s)", namespace, class, component.ClassNamespace))
		}
	}
	merged[namespace] = fragment

	opts.NamespaceToUpdate = namespace
	if err := w.applyLocked(merged, opts); err != nil {
		return nil, err
	}
	return w.CurrentSet(), nil
}

// Cleanup drops in-memory state and removes the persisted blob.
func (w *Worker) Cleanup(ctx context.Context) error {
	w.applyMu.Lock()
	defer w.applyMu.Unlock()

	if err := w.store.Delete(ctx, storageKey); err != nil {
		return errors.Wrap(err, "Worker", "Cleanup", "remove stored declaration")
	}
	return w.applyLocked(emptyDeclaration(), ProcessOptions{Save: boolPtr(false)})
}

// applyLocked runs one serialized apply end-to-end. Caller holds applyMu.
func (w *Worker) applyLocked(declaration map[string]any, opts ProcessOptions) error {
	transactionID := uuid.NewString()

	w.bus.Publish(Event{
		Type:              EventReceived,
		TransactionID:     transactionID,
		Metadata:          opts.Metadata,
		Declaration:       declaration,
		NamespaceToUpdate: opts.NamespaceToUpdate,
	})

	set, err := Resolve(declaration, ResolveOptions{NamespaceToUpdate: opts.NamespaceToUpdate})
	if err != nil {
		w.logger.Warn("declaration rejected",
			"transactionID", transactionID,
			"error", err,
			"declaration", mask.Secrets(declaration))
		w.bus.Publish(Event{
			Type:          EventValidationFailed,
			TransactionID: transactionID,
			Metadata:      opts.Metadata,
			Err:           err,
		})
		return err
	}

	w.bus.Publish(Event{
		Type:          EventValidationSucceed,
		TransactionID: transactionID,
		Metadata:      opts.Metadata,
		Set:           set,
	})

	if opts.saveEnabled() {
		blob, err := json.Marshal(persistedState{Raw: declaration})
		if err != nil {
			return errors.WrapFatal(err, "Worker", "apply", "encode declaration")
		}
		if err := w.store.Put(context.Background(), storageKey, blob); err != nil {
			return errors.WrapTransient(err, "Worker", "apply", "persist declaration")
		}
	}

	w.stateMu.Lock()
	w.raw = declaration
	w.set = set
	w.stateMu.Unlock()

	w.logger.Info("declaration applied",
		"transactionID", transactionID,
		"components", len(set.Components),
		"mappings", len(set.Mappings))

	w.bus.Publish(Event{
		Type:              EventChange,
		TransactionID:     transactionID,
		Metadata:          opts.Metadata,
		Set:               set,
		NamespaceToUpdate: opts.NamespaceToUpdate,
	})
	return nil
}

func boolPtr(b bool) *bool {
	return &b
}
