// Package groutine starts named goroutines that show up in pprof labels and can be
// waited on.
package groutine

import (
	"bytes"
	"context"
	"runtime"
	"runtime/pprof"
	"strconv"
	"sync/atomic"
)

type ctxKey string

const goroutineNameKey ctxKey = "goroutine_name"

// Routine is a handle to a goroutine started with Go.
type Routine struct {
	name string
	gid  atomic.Uint64
	done chan struct{}
}

// Go starts fn in a goroutine labelled with name. If parentCtx is nil,
// context.Background() is used.
//
//	r := groutine.Go(ctx, "bt-reconnect", func(ctx context.Context) {
//	    // work
//	})
//	<-r.Done()
func Go(parentCtx context.Context, name string, fn func(ctx context.Context)) *Routine {
	if parentCtx == nil {
		parentCtx = context.Background()
	}

	r := &Routine{name: name, done: make(chan struct{})}
	started := make(chan struct{})
	labels := pprof.Labels("goroutine_name", name)

	go pprof.Do(parentCtx, labels, func(ctx context.Context) {
		defer close(r.done)
		r.gid.Store(GetGID())
		close(started)
		fn(context.WithValue(ctx, goroutineNameKey, name))
	})
	<-started
	return r
}

// Name returns the label the routine was started with.
func (r *Routine) Name() string { return r.name }

// Done is closed when the routine's function returns.
func (r *Routine) Done() <-chan struct{} { return r.done }

// IsCurrent reports whether the caller runs on this routine.
func (r *Routine) IsCurrent() bool {
	return r != nil && r.gid.Load() == GetGID()
}

// Wait blocks until the routine ends. Waiting from the routine itself returns at once.
func (r *Routine) Wait() {
	if r == nil || r.IsCurrent() {
		return
	}
	<-r.done
}

// GetName retrieves the goroutine name from the context.
func GetName(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v := ctx.Value(goroutineNameKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// GetGID returns the numeric id of the calling goroutine, parsed from its stack header.
func GetGID() uint64 {
	b := make([]byte, 64)
	b = b[:runtime.Stack(b, false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	i := bytes.IndexByte(b, ' ')
	if i < 0 {
		return 0
	}
	gid, _ := strconv.ParseUint(string(b[:i]), 10, 64)
	return gid
}
