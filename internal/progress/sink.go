package progress

import "context"

// Sink receives flushed batches from the Hub's goroutine. Consume gets a
// context bounded by the hub's SinkTimeout; Close is called once during
// Hub.Close.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter is what the tracker, workers, schedules and server publish through.
// A nil Emitter field means events are not reported.
type Emitter interface {
	Emit(evt Event)
}

var _ Emitter = (*Hub)(nil)
