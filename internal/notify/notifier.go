package notify

import (
	"context"
	"sync"
	"time"

	"github.com/safar/marketplace-checkout/internal/logging"
	"github.com/safar/marketplace-checkout/internal/metrics"
)

type Sink interface {
	Send(ctx context.Context, event Event) error
	Close() error
}

type NopSink struct{}

func (NopSink) Send(context.Context, Event) error { return nil }
func (NopSink) Close() error                      { return nil }

// Notifier hands events to a sink in the background. A failed send is logged
// and counted; it is never reported to the caller.
type Notifier struct {
	sink    Sink
	timeout time.Duration
	metrics *metrics.CheckoutMetrics
	wg      sync.WaitGroup
}

func NewNotifier(sink Sink, timeout time.Duration, m *metrics.CheckoutMetrics) *Notifier {
	if sink == nil {
		sink = NopSink{}
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Notifier{sink: sink, timeout: timeout, metrics: m}
}

// Publish returns immediately. The send outlives ctx's cancellation but is
// bounded by the notifier timeout.
func (n *Notifier) Publish(ctx context.Context, event Event) {
	if n == nil {
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()

		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
		defer cancel()

		err := n.sink.Send(sendCtx, event)
		n.metrics.ObserveNotification(event.Type, err)
		if err != nil {
			logging.Log(logging.Fields{
				Service: "notify",
				Step:    event.Type,
				Status:  "failed",
				OrderID: event.OrderID,
				UserID:  event.UserID,
				Err:     err,
			})
		}
	}()
}

// Wait blocks until every in-flight send has finished.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

// Close drains in-flight sends and closes the sink.
func (n *Notifier) Close() error {
	n.wg.Wait()
	return n.sink.Close()
}
