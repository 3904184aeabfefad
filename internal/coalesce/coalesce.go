// Package coalesce collapses concurrent identical requests into one
// execution whose result every caller shares.
package coalesce

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// PanicError is returned to every caller when the shared function panics.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("coalesce: shared call panicked: %v", e.Value) }

// Group runs at most one function per key at a time.
type Group struct {
	sf       singleflight.Group
	inflight atomic.Int64
	shared   atomic.Int64
}

// Do runs fn once for all concurrent callers of key. A caller whose ctx ends
// stops waiting; the execution keeps running for the remaining callers.
// shared reports whether the result was delivered to more than one caller.
func (g *Group) Do(ctx context.Context, key string, fn func() (any, error)) (v any, shared bool, err error) {
	ch := g.sf.DoChan(key, func() (v any, err error) {
		g.inflight.Add(1)
		defer g.inflight.Add(-1)
		// singleflight re-panics DoChan panics on a fresh goroutine, which
		// no caller can recover; surface them as errors instead.
		defer func() {
			if rec := recover(); rec != nil {
				v, err = nil, &PanicError{Value: rec, Stack: debug.Stack()}
			}
		}()
		return fn()
	})
	select {
	case res := <-ch:
		if res.Shared {
			g.shared.Add(1)
		}
		return res.Val, res.Shared, res.Err
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// InFlight reports the number of executions currently running.
func (g *Group) InFlight() int64 { return g.inflight.Load() }

// SharedTotal counts callers that received a shared result.
func (g *Group) SharedTotal() int64 { return g.shared.Load() }

// Key builds the coalescing fingerprint route:scope:hash where hash covers
// every normalized parameter and the effective page limit.
func Key(route, scope string, params map[string]string, limit int) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
		b.WriteByte('&')
	}
	fmt.Fprintf(&b, "limit=%d", limit)
	sum := sha256.Sum256([]byte(b.String()))
	return route + ":" + scope + ":" + hex.EncodeToString(sum[:])
}
