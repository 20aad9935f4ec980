package outbox

import "context"

// Queue accepts bundles for delivery. Enqueue never blocks on delivery and never reports
// delivery failures; those belong to the sending pipeline.
type Queue interface {
	Enqueue(ctx context.Context, bundle Bundle)
}

// Fanout hands every bundle to each queue in order.
type Fanout []Queue

// Enqueue implements Queue.
func (f Fanout) Enqueue(ctx context.Context, bundle Bundle) {
	for _, queue := range f {
		if queue != nil {
			queue.Enqueue(ctx, bundle)
		}
	}
}

// Discard drops every bundle.
type Discard struct{}

// Enqueue implements Queue.
func (Discard) Enqueue(context.Context, Bundle) {}
