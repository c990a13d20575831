package connection

import (
	"context"
	"sync"

	"github.com/ValentinKolb/ipool/rpc/common"
)

// Future is the completion handle of a request.
// It resolves exactly once: with the reply, a timeout or the death of the connection.
type Future struct {
	done chan struct{}
	once sync.Once
	resp *common.Packet
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// resolve completes the future, later calls are ignored
func (f *Future) resolve(resp *common.Packet, err error) bool {
	resolved := false
	f.once.Do(func() {
		f.resp = resp
		f.err = err
		close(f.done)
		resolved = true
	})
	return resolved
}

// Done returns a channel that is closed once the future resolved
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Result returns the outcome. It must only be called after Done is closed.
func (f *Future) Result() (*common.Packet, error) {
	return f.resp, f.err
}

// Get waits for the future or the context, whichever comes first.
// A cancelled context does not cancel the request itself.
func (f *Future) Get(ctx context.Context) (*common.Packet, error) {
	select {
	case <-f.done:
		return f.resp, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
