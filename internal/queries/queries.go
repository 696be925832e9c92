// Package queries routes questions between agents: ask a peer or the
// whole team, forward with enrichments, answer back to the asker.
// In-flight queries live in memory only and expire after a TTL.
package queries

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/loom/internal/bus"
	"github.com/nextlevelbuilder/loom/pkg/protocol"
)

// DefaultMaxHops bounds how many times a query may be forwarded.
const DefaultMaxHops = 3

// DefaultTTL is how long an unanswered query survives.
const DefaultTTL = 5 * time.Minute

// ErrMaxHopsReached means the query has been forwarded its full quota.
var ErrMaxHopsReached = errors.New("max hops reached")

// ErrQueryNotFound means the id is unknown or already answered.
var ErrQueryNotFound = errors.New("query not found")

// Query is one in-flight question.
type Query struct {
	ID          string
	TeamID      string
	From        string
	Question    string
	Target      string
	Hops        int
	MaxHops     int
	Enrichments []string
	CreatedAt   time.Time
}

// AskOptions tune one Ask call.
type AskOptions struct {
	// Target addresses one agent; empty broadcasts to the team.
	Target string
	// MaxHops 0 takes the default of 3.
	MaxHops int
}

// Router tracks in-flight queries and publishes their hops on the bus.
type Router struct {
	mu      sync.Mutex
	queries map[string]*Query
	bus     *bus.Bus
	logger  *slog.Logger
}

func NewRouter(b *bus.Bus, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		queries: make(map[string]*Query),
		bus:     b,
		logger:  logger,
	}
}

// Ask registers a new query and publishes it to the target agent, or
// broadcasts to the team when no target is named. Returns the query id.
func (r *Router) Ask(teamID, from, question string, opts AskOptions) (string, error) {
	if teamID == "" || from == "" {
		return "", fmt.Errorf("queries: team and asker are required")
	}
	if question == "" {
		return "", fmt.Errorf("queries: question is empty")
	}
	maxHops := opts.MaxHops
	if maxHops <= 0 {
		maxHops = DefaultMaxHops
	}

	q := &Query{
		ID:        uuid.NewString(),
		TeamID:    teamID,
		From:      from,
		Question:  question,
		Target:    opts.Target,
		MaxHops:   maxHops,
		CreatedAt: time.Now(),
	}

	r.mu.Lock()
	r.queries[q.ID] = q
	r.mu.Unlock()

	topic := protocol.TeamTopic(teamID)
	if opts.Target != "" {
		topic = protocol.AgentTopic(teamID, opts.Target)
	}
	r.bus.Publish(topic, bus.Event{
		Name: protocol.EventQuery,
		From: from,
		Payload: map[string]any{
			"query_id":    q.ID,
			"question":    question,
			"enrichments": []string{},
		},
	})

	r.logger.Debug("queries.asked",
		"query_id", q.ID,
		"team_id", teamID,
		"from", from,
		"target", opts.Target)
	return q.ID, nil
}

// Forward passes a query to another agent, appending context the
// forwarder wants the next agent to see. Hops are strictly counted;
// once the quota is used the query cannot travel further.
func (r *Router) Forward(id, from, target, enrichment string) error {
	r.mu.Lock()
	q, ok := r.queries[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("queries: forward %s: %w", id, ErrQueryNotFound)
	}
	if q.Hops >= q.MaxHops {
		r.mu.Unlock()
		return fmt.Errorf("queries: forward %s: %w", id, ErrMaxHopsReached)
	}
	if enrichment != "" {
		q.Enrichments = append(q.Enrichments, enrichment)
	}
	q.Hops++
	q.Target = target
	payload := map[string]any{
		"query_id":    q.ID,
		"question":    q.Question,
		"enrichments": append([]string(nil), q.Enrichments...),
	}
	teamID := q.TeamID
	r.mu.Unlock()

	r.bus.Publish(protocol.AgentTopic(teamID, target), bus.Event{
		Name:    protocol.EventQuery,
		From:    from,
		Payload: payload,
	})
	return nil
}

// Answer delivers the answer to the original asker's agent topic and
// drops the query.
func (r *Router) Answer(id, from, answer string) error {
	r.mu.Lock()
	q, ok := r.queries[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("queries: answer %s: %w", id, ErrQueryNotFound)
	}
	delete(r.queries, id)
	asker := q.From
	teamID := q.TeamID
	enrichments := append([]string(nil), q.Enrichments...)
	r.mu.Unlock()

	r.bus.Publish(protocol.AgentTopic(teamID, asker), bus.Event{
		Name: protocol.EventQueryAnswer,
		From: from,
		Payload: map[string]any{
			"query_id":    id,
			"answer":      answer,
			"enrichments": enrichments,
		},
	})

	r.logger.Debug("queries.answered",
		"query_id", id,
		"from", from,
		"to", asker)
	return nil
}

// Get returns a snapshot of one in-flight query.
func (r *Router) Get(id string) (*Query, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queries[id]
	if !ok {
		return nil, false
	}
	cp := *q
	cp.Enrichments = append([]string(nil), q.Enrichments...)
	return &cp, true
}

// Pending reports how many queries are in flight.
func (r *Router) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queries)
}

// ExpireStale drops queries older than age and returns how many went.
func (r *Router) ExpireStale(age time.Duration) int {
	cutoff := time.Now().Add(-age)
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, q := range r.queries {
		if q.CreatedAt.Before(cutoff) {
			delete(r.queries, id)
			n++
		}
	}
	if n > 0 {
		r.logger.Info("queries.expired", "count", n)
	}
	return n
}

// Janitor expires stale queries on the interval until ctx is done.
// Queries live at most ttl; 0 takes the default of 5 minutes.
func (r *Router) Janitor(ctx context.Context, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	ticker := time.NewTicker(ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ExpireStale(ttl)
		}
	}
}
