package user

import "context"

// Batch is a set of sends submitted without waiting for each other.
type Batch struct {
	done chan struct{}
	errs []error
}

func newBatch(n int) *Batch {
	return &Batch{done: make(chan struct{}), errs: make([]error, n)}
}

// Done is closed once every item has been handed to the transport.
func (b *Batch) Done() <-chan struct{} {
	return b.done
}

// Wait blocks until the batch has been transmitted or ctx ends. The
// returned slice has one entry per submitted item; nil means the item
// was written to the connection.
func (b *Batch) Wait(ctx context.Context) ([]error, error) {
	select {
	case <-b.done:
		return b.errs, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
