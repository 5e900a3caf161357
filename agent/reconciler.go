package agent

import (
	"context"
	"log/slog"

	"github.com/blheatwole/f5-telemetry-streaming/component"
	"github.com/blheatwole/f5-telemetry-streaming/consumer"
	"github.com/blheatwole/f5-telemetry-streaming/listener"
	"github.com/blheatwole/f5-telemetry-streaming/pkg/mask"
	"github.com/blheatwole/f5-telemetry-streaming/poller"
	"github.com/blheatwole/f5-telemetry-streaming/vault"
)

// Apply reconciles the resolved component set against the running
// workers. Serialized with the agent mutex; the worker already serializes
// declaration applies end-to-end.
func (a *Agent) Apply(ctx context.Context, set *component.Set) {
	a.mu.Lock()
	defer a.mu.Unlock()

	desired := set.ByID()

	a.applyControls(desired)
	a.reconcileConsumers(ctx, desired)
	a.reconcileListeners(ctx, desired)
	a.reconcilePollers(ctx, desired)
	a.reconcileGroups(desired)

	// Swap the routing table last so new consumers are registered before
	// records route to them.
	a.pipe.UpdateMappings(set.Mappings)
}

func (a *Agent) applyControls(desired map[string]*component.Component) {
	for _, comp := range desired {
		if comp.Class != component.ClassControls {
			continue
		}
		a.controls = *comp.Controls
		if a.logLevel != nil {
			a.logLevel.Set(parseLogLevel(comp.Controls.LogLevel))
		}
		return
	}
	a.controls = component.ControlsSpec{}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "verbose", "debug":
		return slog.LevelDebug
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// reconcileListeners applies listener diffs. Only a port change causes
// socket churn; filter, tag and action changes swap the listener in place
// on the same sockets.
func (a *Agent) reconcileListeners(ctx context.Context, desired map[string]*component.Component) {
	for id, state := range a.listeners {
		comp, wanted := desired[id]
		if wanted && comp.Class == component.ClassListener && comp.Enable {
			continue
		}
		if wanted && comp.SkipUpdate {
			continue
		}
		// Removed or disabled: tear down.
		a.receivers.Unsubscribe(state.port, id)
		if a.metrics != nil {
			a.metrics.UnregisterSubsystem("listener_" + id)
		}
		delete(a.listeners, id)
		a.logger.Info("listener removed", "id", id)
	}

	for id, comp := range desired {
		if comp.Class != component.ClassListener || !comp.Enable {
			continue
		}
		existing, exists := a.listeners[id]
		if exists && comp.SkipUpdate {
			continue
		}

		hash := comp.Hash()
		if exists && existing.hash == hash {
			continue
		}

		l, err := listener.New(listener.Config{
			Component:    comp,
			Sink:         a.pipe,
			Logger:       a.logger,
			Metrics:      a.metrics,
			TraceBaseDir: a.traceDir,
		})
		if err != nil {
			a.logger.Error("listener build failed", "id", id, "error", err)
			continue
		}

		socketHash := comp.SocketHash()
		if exists && existing.socketHash == socketHash {
			// Same port: re-subscribing under the same id replaces the
			// handler without socket churn.
			if err := a.receivers.Subscribe(ctx, comp.Listener.Port, id, l.Handle); err != nil {
				a.logger.Error("listener update failed", "id", id, "error", err)
				continue
			}
			existing.listener = l
			existing.hash = hash
			a.logger.Info("listener updated in place", "id", id)
			continue
		}

		if exists {
			a.receivers.Unsubscribe(existing.port, id)
		}
		if err := a.receivers.Subscribe(ctx, comp.Listener.Port, id, l.Handle); err != nil {
			a.logger.Error("listener start failed", "id", id, "error", err)
			continue
		}
		a.listeners[id] = &listenerState{
			listener:   l,
			hash:       hash,
			socketHash: socketHash,
			port:       comp.Listener.Port,
		}
		a.logger.Info("listener started", "id", id, "port", comp.Listener.Port)
	}
}

// reconcilePollers applies poller diffs. Pull-mode pollers are built but
// never scheduled.
func (a *Agent) reconcilePollers(ctx context.Context, desired map[string]*component.Component) {
	for id, state := range a.pollers {
		comp, wanted := desired[id]
		if wanted && comp.Class == component.ClassSystemPoller && comp.Enable {
			continue
		}
		if wanted && comp.SkipUpdate {
			continue
		}
		state.poller.Stop()
		if a.metrics != nil {
			a.metrics.UnregisterSubsystem("poller_" + id)
		}
		delete(a.pollers, id)
		a.logger.Info("poller removed", "id", id)
	}

	for id, comp := range desired {
		if comp.Class != component.ClassSystemPoller || !comp.Enable {
			continue
		}
		existing, exists := a.pollers[id]
		if exists && comp.SkipUpdate {
			continue
		}

		hash := comp.Hash()
		if exists && existing.hash == hash {
			continue
		}
		if exists {
			existing.poller.Stop()
			delete(a.pollers, id)
		}

		p, err := poller.New(poller.Config{
			Component: comp,
			Vault:     a.vault,
			Pool:      a.pool,
			Sink:      a.pipe,
			Logger:    a.logger,
			Metrics:   a.metrics,
		})
		if err != nil {
			a.logger.Error("poller build failed", "id", id, "error", err)
			continue
		}
		if err := p.Start(ctx); err != nil {
			a.logger.Error("poller start failed", "id", id, "error", err)
			continue
		}
		a.pollers[id] = &pollerState{poller: p, hash: hash, pull: comp.Poller.PullMode()}
		a.logger.Info("poller scheduled", "id", id,
			"interval", comp.Poller.Interval, "pull", comp.Poller.PullMode())
	}
}

// reconcileConsumers applies push-consumer diffs.
func (a *Agent) reconcileConsumers(ctx context.Context, desired map[string]*component.Component) {
	for id := range a.conHashes {
		comp, wanted := desired[id]
		if wanted && comp.Class == component.ClassConsumer && comp.Enable {
			continue
		}
		if wanted && comp.SkipUpdate {
			continue
		}
		a.consumers.Remove(id)
		delete(a.conHashes, id)
		a.logger.Info("consumer removed", "id", id)
	}

	for id, comp := range desired {
		if comp.Class != component.ClassConsumer || !comp.Enable {
			continue
		}
		if _, exists := a.conHashes[id]; exists && comp.SkipUpdate {
			continue
		}

		hash := comp.Hash()
		if existing, exists := a.conHashes[id]; exists && existing == hash {
			continue
		}

		cfg := a.decryptConfig(ctx, comp.Consumer.Config)
		impl, err := consumer.NewConsumer(comp.Consumer.Type, cfg)
		if err != nil {
			a.logger.Error("consumer build failed", "id", id, "error", err)
			continue
		}

		handle, err := consumer.NewHandle(consumer.HandleConfig{
			ID:       id,
			Enabled:  true,
			Consumer: impl,
			Config:   cfg,
			Actions:  comp.Consumer.Actions,
			Tracer:   a.tracerFor(comp),
			Logger:   a.logger,
		})
		if err != nil {
			a.logger.Error("consumer handle failed", "id", id, "error", err)
			continue
		}

		a.consumers.Set(handle)
		a.conHashes[id] = hash
		a.logger.Info("consumer active", "id", id, "type", comp.Consumer.Type)
	}
}

// reconcileGroups records pull groups and their consumer types for the
// scrape endpoint.
func (a *Agent) reconcileGroups(desired map[string]*component.Component) {
	for id := range a.groups {
		if comp, wanted := desired[id]; wanted && comp.Class == component.ClassPullConsumerGroup {
			continue
		}
		delete(a.groups, id)
	}
	for id := range a.pullTypes {
		if comp, wanted := desired[id]; wanted && comp.Class == component.ClassPullConsumer {
			continue
		}
		delete(a.pullTypes, id)
	}

	for id, comp := range desired {
		switch comp.Class {
		case component.ClassPullConsumerGroup:
			if comp.Enable {
				a.groups[id] = *comp.PollerGroup
			}
		case component.ClassPullConsumer:
			if comp.Enable {
				a.pullTypes[id] = comp.PullConsumer.Type
			}
		}
	}
}

// decryptConfig resolves secret-valued fields into an in-memory plaintext
// copy for the active consumer. The declaration itself stays cipher text.
func (a *Agent) decryptConfig(ctx context.Context, cfg map[string]any) map[string]any {
	out := make(map[string]any, len(cfg))
	for key, value := range cfg {
		out[key] = a.decryptValue(ctx, key, value)
	}
	return out
}

func (a *Agent) decryptValue(ctx context.Context, key string, value any) any {
	switch v := value.(type) {
	case map[string]any:
		cipherText, hasCipher := v["cipherText"].(string)
		if hasCipher {
			plain, err := a.vault.Decrypt(ctx, vault.Secret{CipherText: cipherText})
			if err != nil {
				a.logger.Error("secret decryption failed",
					"field", key, "error", err, "value", mask.Mask)
				return mask.Mask
			}
			return plain
		}
		return a.decryptConfig(ctx, v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = a.decryptValue(ctx, key, item)
		}
		return out
	default:
		return value
	}
}
