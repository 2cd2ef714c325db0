package pruner

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/log"
	"github.com/loomworks/loom/pkg/metrics"
	"github.com/loomworks/loom/pkg/state"
)

// Options tune the sweep. Zero fields take the documented defaults.
type Options struct {
	Interval         time.Duration // default 60s
	StaleAfterNode   time.Duration // default 5m
	StaleAfterAgent  time.Duration // default 10m
	RetainTerminated time.Duration // default 1h
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = 60 * time.Second
	}
	if o.StaleAfterNode <= 0 {
		o.StaleAfterNode = 5 * time.Minute
	}
	if o.StaleAfterAgent <= 0 {
		o.StaleAfterAgent = 10 * time.Minute
	}
	if o.RetainTerminated <= 0 {
		o.RetainTerminated = time.Hour
	}
}

// Pruner removes entities whose last_seen has gone stale. Nodes that
// disappear take their assigned agents to ERROR with reason NODE_LOST;
// agents age out on their own last_seen, and TERMINATED agents are kept
// for the retention window and then collected.
type Pruner struct {
	store *state.Store
	bus   *events.Bus
	opts  Options
	now   func() time.Time
	log   zerolog.Logger
}

// New creates a pruner over the given store and bus.
func New(store *state.Store, bus *events.Bus, opts Options) *Pruner {
	opts.defaults()
	return &Pruner{
		store: store,
		bus:   bus,
		opts:  opts,
		now:   func() time.Time { return time.Now().UTC() },
		log:   log.WithComponent("pruner"),
	}
}

// SetClock replaces the pruner's time source for tests.
func (p *Pruner) SetClock(now func() time.Time) {
	p.now = now
}

// Run sweeps on the configured interval until ctx is cancelled.
func (p *Pruner) Run(ctx context.Context) {
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	p.log.Info().
		Dur("interval", p.opts.Interval).
		Dur("stale_after_node", p.opts.StaleAfterNode).
		Dur("stale_after_agent", p.opts.StaleAfterAgent).
		Msg("pruner started")

	for {
		select {
		case <-ctx.Done():
			p.log.Info().Msg("pruner stopped")
			return
		case <-ticker.C:
			p.Tick()
		}
	}
}

// Tick performs one sweep. The write lock is only held inside the
// individual removals, never across the whole batch.
func (p *Pruner) Tick() {
	now := p.now()
	nodes, agents := p.store.Snapshot()

	for _, node := range nodes {
		if now.Sub(node.LastSeen) <= p.opts.StaleAfterNode {
			continue
		}
		_, event, err := p.store.RemoveNode(node.ID)
		if err != nil {
			continue
		}
		event.Source = "pruner"
		p.bus.Publish(event)
		metrics.EntitiesPrunedTotal.WithLabelValues("node").Inc()
		p.log.Info().
			Str("node_id", node.ID).
			Time("last_seen", node.LastSeen).
			Msg("pruned stale node")

		// The node took its agents with it.
		for _, agent := range p.store.AgentsOnNode(node.ID) {
			_, lostEvent, err := p.store.MarkAgentLost(agent.ID, "NODE_LOST")
			if err != nil {
				continue
			}
			lostEvent.Source = "pruner"
			p.bus.Publish(lostEvent)
		}
	}

	for _, agent := range agents {
		gap := now.Sub(agent.LastSeen)
		switch {
		case agent.Status.Terminal():
			if gap <= p.opts.RetainTerminated {
				continue
			}
		default:
			if gap <= p.opts.StaleAfterAgent {
				continue
			}
		}
		_, event, err := p.store.RemoveAgent(agent.ID)
		if err != nil {
			continue
		}
		event.Source = "pruner"
		p.bus.Publish(event)
		metrics.EntitiesPrunedTotal.WithLabelValues("agent").Inc()
		p.log.Info().
			Str("agent_id", agent.ID).
			Str("status", string(agent.Status)).
			Msg("pruned stale agent")
	}
}
