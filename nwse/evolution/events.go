package evolution

import (
	"fmt"
	"sync/atomic"

	"github.com/baldhumanity/nwse-go/nwse"
	"github.com/baldhumanity/nwse-go/nwse/network"
)

// EventKind identifies a notification.
type EventKind int

const (
	EvaluationBegin EventKind = iota
	Step
	EvaluationEnd
	EvaluationSummary
	GeneInvalid
	GeneValid
	GenerationEnd
	Log
)

func (k EventKind) String() string {
	switch k {
	case EvaluationBegin:
		return "evaluation-begin"
	case Step:
		return "step"
	case EvaluationEnd:
		return "evaluation-end"
	case EvaluationSummary:
		return "evaluation-summary"
	case GeneInvalid:
		return "gene-invalid"
	case GeneValid:
		return "gene-valid"
	case GenerationEnd:
		return "generation-end"
	case Log:
		return "log"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one notification. Fields not relevant to Kind are zero.
type Event struct {
	Kind       EventKind
	Generation int
	Network    *network.Network // Active, best or owning network
	Gene       *nwse.Gene       // GeneInvalid, GeneValid

	// Step
	Tick        int
	Observation []float64
	Gesture     []float64
	Actions     []float64
	Result      []float64 // Actions as applied by the environment
	Reward      float64
	Terminal    bool

	// EvaluationSummary, GenerationEnd
	BestFitness float64
	Population  int

	// Log
	Message string
}

// Listener receives notifications synchronously on the evolution goroutine.
type Listener interface {
	OnEvent(Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(Event)

// OnEvent calls f(e).
func (f ListenerFunc) OnEvent(e Event) { f(e) }

// Listeners fans an event out to several listeners in order.
type Listeners []Listener

// OnEvent forwards e to every listener.
func (ls Listeners) OnEvent(e Event) {
	for _, l := range ls {
		l.OnEvent(e)
	}
}

// ChannelListener forwards events to a buffered channel without blocking.
// Events arriving while the channel is full are counted and dropped.
type ChannelListener struct {
	C       chan Event
	dropped atomic.Int64
}

// NewChannelListener creates a listener with a channel of the given capacity.
func NewChannelListener(capacity int) *ChannelListener {
	return &ChannelListener{C: make(chan Event, capacity)}
}

// OnEvent sends e unless the channel is full.
func (c *ChannelListener) OnEvent(e Event) {
	select {
	case c.C <- e:
	default:
		c.dropped.Add(1)
	}
}

// Dropped is the number of events lost to a full channel.
func (c *ChannelListener) Dropped() int64 {
	return c.dropped.Load()
}

type nopListener struct{}

func (nopListener) OnEvent(Event) {}
