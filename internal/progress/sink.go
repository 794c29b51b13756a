package progress

import "context"

// Sink receives every event flowing through the Hub, regardless of task.
// Implementations must tolerate being called from the Hub's goroutine and
// should return quickly.
type Sink interface {
	Consume(ctx context.Context, evt Event) error
	Close(ctx context.Context) error
}
