package dispatch

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ghettovoice/sipdispatch/internal/log"
)

// legRegistry tracks the transport legs of a dispatcher and runs their
// receive loops. A leg is never registered without its receive loop
// running, and removing a leg stops the loop.
type legRegistry struct {
	mu     sync.Mutex
	legs   []Leg
	stops  map[Leg]context.CancelFunc
	grp    errgroup.Group
	recv   func(p Packet, leg Leg, from string)
	log    *slog.Logger
	closed bool
}

func newLegRegistry(recv func(p Packet, leg Leg, from string), logger *slog.Logger) *legRegistry {
	return &legRegistry{
		stops: make(map[Leg]context.CancelFunc),
		recv:  recv,
		log:   log.Or(logger),
	}
}

func (r *legRegistry) add(legs ...Leg) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrDispatcherClosed
	}

	for _, l := range legs {
		if l == nil {
			return NewInvalidArgumentError("nil leg")
		}
		if r.containsLocked(l) {
			continue
		}
		r.legs = append(r.legs, l)
		r.serveLocked(l)
	}
	return nil
}

func (r *legRegistry) containsLocked(l Leg) bool {
	for _, have := range r.legs {
		if have == l {
			return true
		}
	}
	return false
}

// serveLocked starts the receive loop of the leg. Serve exits either on
// context cancellation (removal, shutdown) or on a socket failure; the
// latter is logged but does not affect other legs.
func (r *legRegistry) serveLocked(l Leg) {
	ctx, cancel := context.WithCancel(context.Background())
	r.stops[l] = cancel

	r.grp.Go(func() error {
		err := l.Serve(ctx, func(p Packet, from string) {
			r.recv(p, l, from)
		})
		if err != nil && ctx.Err() == nil {
			r.log.LogAttrs(ctx, slog.LevelWarn, "leg receive loop failed",
				slog.Any("leg", LegValue(l)), slog.Any("error", err))
		}
		return nil
	})
}

func (r *legRegistry) remove(legs ...Leg) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, l := range legs {
		if cancel, ok := r.stops[l]; ok {
			cancel()
			delete(r.stops, l)
		}
		for i, have := range r.legs {
			if have == l {
				r.legs = append(r.legs[:i], r.legs[i+1:]...)
				break
			}
		}
	}
}

// get returns the legs matching all set criteria, in registration order.
func (r *legRegistry) get(c LegCriteria) []Leg {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Leg, 0, len(r.legs))
	for _, l := range r.legs {
		if c.match(l) {
			out = append(out, l)
		}
	}
	return out
}

// close stops all receive loops and waits for them to drain.
func (r *legRegistry) close() error {
	r.mu.Lock()
	r.closed = true
	for l, cancel := range r.stops {
		cancel()
		delete(r.stops, l)
	}
	r.legs = nil
	r.mu.Unlock()

	return r.grp.Wait()
}
