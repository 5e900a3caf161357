package agent

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/blheatwole/f5-telemetry-streaming/component"
	"github.com/blheatwole/f5-telemetry-streaming/consumer"
	"github.com/blheatwole/f5-telemetry-streaming/errors"
	"github.com/blheatwole/f5-telemetry-streaming/message"
	"github.com/blheatwole/f5-telemetry-streaming/poller"
)

// CollectPull drives a pull consumer's group: every referenced pull-mode
// poller collects synchronously, and the consumer's renderer turns the
// records into the scrape response. Individual poller failures are logged
// and skipped; the scrape fails only when nothing could be collected.
func (a *Agent) CollectPull(ctx context.Context, namespace, name string) ([]byte, string, error) {
	consumerID := component.ID(namespace, name)
	groupID := component.ID(namespace,
		"Telemetry_Pull_Consumer_System_Poller_Group_"+name)

	a.mu.Lock()
	group, ok := a.groups[groupID]
	consumerType := a.pullTypes[consumerID]
	pollers := make([]*poller.Poller, 0, len(group.PollerIDs))
	if ok {
		for _, pollerID := range group.PollerIDs {
			if state, exists := a.pollers[pollerID]; exists {
				pollers = append(pollers, state.poller)
			}
		}
	}
	a.mu.Unlock()

	if !ok {
		return nil, "", errors.NewObjectNotFoundError("Pull Consumer " + consumerID)
	}

	var mu sync.Mutex
	records := make([]*message.Record, 0, len(pollers))

	// Settle-all: every poller completes or fails before rendering.
	group2, groupCtx := errgroup.WithContext(ctx)
	for _, p := range pollers {
		group2.Go(func() error {
			record, err := p.Collect(groupCtx)
			if err != nil {
				a.logger.Warn("pull poller collect failed",
					"poller", p.ID(), "error", err)
				return nil
			}
			mu.Lock()
			records = append(records, record)
			mu.Unlock()
			return nil
		})
	}
	_ = group2.Wait()

	if len(pollers) > 0 && len(records) == 0 {
		return nil, "", errors.WrapTransient(errors.ErrNoConnection,
			"Agent", "CollectPull", "poller collection")
	}

	renderer := consumer.NewPullRenderer(consumerType)
	return renderer.Render(records)
}
