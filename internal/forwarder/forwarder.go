// Package forwarder drains the durable queues toward the remote authority.
//
// Forwarders mark outcomes; they never delete. An item leaves its queue only
// through the retention purge or the heartbeat size cap, both of which live
// in the store.
package forwarder

import (
	"context"
	"fmt"

	"github.com/beaconsafe/sentinel/errs"
	"github.com/beaconsafe/sentinel/internal/domain/workqueue"
	"github.com/beaconsafe/sentinel/internal/observability"
	"github.com/beaconsafe/sentinel/internal/remote"
)

// AlertSender is the slice of the remote client the alert forwarder needs.
type AlertSender interface {
	PostAlert(ctx context.Context, envelope remote.AlertEnvelope) error
	Suspended() bool
}

// HeartbeatSender is the slice of the remote client the heartbeat forwarder needs.
type HeartbeatSender interface {
	PostHeartbeatBatch(ctx context.Context, items []remote.HeartbeatEnvelope) error
	Suspended() bool
}

// Result summarises one forwarding pass.
type Result struct {
	Dequeued  int
	Delivered int
	Failed    int
	Skipped   bool
}

// AlertForwarder delivers alerts one at a time. A failure on one item never
// blocks the rest of the batch.
type AlertForwarder struct {
	queue     workqueue.Store
	sender    AlertSender
	batchSize int
}

// NewAlertForwarder constructs an alert forwarder draining queue via sender.
func NewAlertForwarder(queue workqueue.Store, sender AlertSender, batchSize int) *AlertForwarder {
	return &AlertForwarder{queue: queue, sender: sender, batchSize: batchSize}
}

// Run drains the ready alerts, dequeueing batches until the store reports
// none eligible. Failed items get a future retry time, so they drop out of
// the loop on their own.
func (f *AlertForwarder) Run(ctx context.Context) (Result, error) {
	if f.sender.Suspended() {
		observability.Log().Debug("alert forwarding suspended on auth failures")
		return Result{Skipped: true}, nil
	}

	var result Result
	labels := map[string]string{"queue": "alerts"}
	for {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		items, err := f.queue.DequeueReady(ctx, f.batchSize)
		if err != nil {
			return result, fmt.Errorf("dequeue ready alerts: %w", err)
		}
		if len(items) == 0 {
			break
		}
		result.Dequeued += len(items)

		inFlight := 0
		for _, item := range items {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			if err := f.queue.MarkSending(ctx, item.ID); err != nil {
				observability.Log().Error("mark alert sending",
					observability.Field{Key: "item_id", Value: item.ID},
					observability.Field{Key: "error", Value: err.Error()})
				result.Failed++
				continue
			}
			inFlight++
			observability.Telemetry().IncCounter(observability.MetricForwardAttempts, 1, labels)

			err := f.sender.PostAlert(ctx, remote.AlertEnvelope{
				ItemID:    item.ID,
				SubjectID: item.SubjectID,
				Kind:      item.Kind,
				Payload:   item.Payload,
				CreatedAt: item.CreatedAt,
			})
			if err != nil {
				result.Failed++
				observability.Telemetry().IncCounter(observability.MetricForwardFailures, 1, labels)
				delay := workqueue.Delay(workqueue.ProfileAlert, item.Attempts+1)
				if markErr := f.queue.MarkFailed(ctx, item.ID, err.Error(), delay); markErr != nil {
					observability.Log().Error("mark alert failed",
						observability.Field{Key: "item_id", Value: item.ID},
						observability.Field{Key: "error", Value: markErr.Error()})
				}
				if errs.IsAuth(err) && f.sender.Suspended() {
					observability.Log().Error("alert forwarding suspended mid-batch")
					return result, nil
				}
				continue
			}

			if err := f.queue.MarkSent(ctx, item.ID); err != nil {
				// The remote acknowledged; a mark failure means the item will be
				// resent, which the remote must tolerate as a duplicate.
				observability.Log().Error("mark alert sent",
					observability.Field{Key: "item_id", Value: item.ID},
					observability.Field{Key: "error", Value: err.Error()})
				result.Failed++
				continue
			}
			result.Delivered++
		}

		// A pass that transitioned nothing would redequeue the same items
		// forever; stop and let the next tick retry.
		if inFlight == 0 {
			break
		}
	}

	reportDepth(ctx, f.queue, "alerts")
	return result, nil
}

// HeartbeatForwarder delivers heartbeats in batches. One remote call covers
// the whole batch, so a failure fails every member and ends the pass.
type HeartbeatForwarder struct {
	queue     workqueue.Store
	sender    HeartbeatSender
	batchSize int
}

// NewHeartbeatForwarder constructs a heartbeat forwarder draining queue via sender.
func NewHeartbeatForwarder(queue workqueue.Store, sender HeartbeatSender, batchSize int) *HeartbeatForwarder {
	return &HeartbeatForwarder{queue: queue, sender: sender, batchSize: batchSize}
}

// Run drains the ready heartbeats batch by batch until the store reports
// none eligible. The first batch failure ends the run; during an outage one
// failed call is signal enough.
func (f *HeartbeatForwarder) Run(ctx context.Context) (Result, error) {
	if f.sender.Suspended() {
		observability.Log().Debug("heartbeat forwarding suspended on auth failures")
		return Result{Skipped: true}, nil
	}

	var result Result
	labels := map[string]string{"queue": "heartbeats"}
	for {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		items, err := f.queue.DequeueReady(ctx, f.batchSize)
		if err != nil {
			return result, fmt.Errorf("dequeue ready heartbeats: %w", err)
		}
		if len(items) == 0 {
			break
		}
		result.Dequeued += len(items)

		envelopes := make([]remote.HeartbeatEnvelope, 0, len(items))
		marked := make([]workqueue.Item, 0, len(items))
		for _, item := range items {
			if err := f.queue.MarkSending(ctx, item.ID); err != nil {
				observability.Log().Error("mark heartbeat sending",
					observability.Field{Key: "item_id", Value: item.ID},
					observability.Field{Key: "error", Value: err.Error()})
				result.Failed++
				continue
			}
			marked = append(marked, item)
			envelopes = append(envelopes, remote.HeartbeatEnvelope{
				ItemID:    item.ID,
				SubjectID: item.SubjectID,
				Payload:   item.Payload,
				CreatedAt: item.CreatedAt,
			})
		}
		if len(envelopes) == 0 {
			break
		}

		observability.Telemetry().IncCounter(observability.MetricForwardAttempts, float64(len(envelopes)), labels)
		if err := f.sender.PostHeartbeatBatch(ctx, envelopes); err != nil {
			observability.Telemetry().IncCounter(observability.MetricForwardFailures, float64(len(envelopes)), labels)
			for _, item := range marked {
				delay := workqueue.Delay(workqueue.ProfileHeartbeat, item.Attempts+1)
				if markErr := f.queue.MarkFailed(ctx, item.ID, err.Error(), delay); markErr != nil {
					observability.Log().Error("mark heartbeat failed",
						observability.Field{Key: "item_id", Value: item.ID},
						observability.Field{Key: "error", Value: markErr.Error()})
				}
			}
			result.Failed += len(marked)
			break
		}

		for _, item := range marked {
			if err := f.queue.MarkSent(ctx, item.ID); err != nil {
				observability.Log().Error("mark heartbeat sent",
					observability.Field{Key: "item_id", Value: item.ID},
					observability.Field{Key: "error", Value: err.Error()})
				result.Failed++
				continue
			}
			result.Delivered++
		}
	}

	reportDepth(ctx, f.queue, "heartbeats")
	return result, nil
}

func reportDepth(ctx context.Context, queue workqueue.Store, name string) {
	depth, err := queue.Depth(ctx)
	if err != nil {
		return
	}
	observability.Telemetry().SetGauge(observability.MetricQueueDepth, float64(depth),
		map[string]string{"queue": name})
}
