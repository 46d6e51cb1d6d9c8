package orchestrator

import (
	"context"
	"time"

	"github.com/crewkit/crewkit/internal/bus"
)

// PublishEvent emits an arbitrary event, stamping the audience into
// the payload when one is given. Empty audience means broadcast.
func (e *Engine) PublishEvent(eventType, source string, payload map[string]interface{}, audience []string) (*bus.Event, error) {
	eventPayload := map[string]interface{}{}
	for k, v := range payload {
		eventPayload[k] = v
	}
	if len(audience) > 0 {
		eventPayload["audience"] = audience
	}
	return e.bus.Emit(eventType, source, eventPayload)
}

// GetAgentCursor returns the agent's replay position, zero when the
// agent has never polled.
func (e *Engine) GetAgentCursor(agent string) (int, error) {
	cursors, err := e.readCursors()
	if err != nil {
		return 0, err
	}
	return cursors[agent], nil
}

func (e *Engine) setAgentCursor(agent string, cursor int) error {
	unlock, err := e.store.Lock()
	if err != nil {
		return err
	}
	defer unlock()

	cursors, err := e.readCursors()
	if err != nil {
		return err
	}
	cursors[agent] = max(0, cursor)
	return e.writeCursors(cursors)
}

// audienceAllows reports whether the agent may see an event. Events
// without an audience list broadcast to everyone; "*" is a wildcard
// member.
func audienceAllows(payload map[string]interface{}, agent string) bool {
	list, ok := payload["audience"].([]interface{})
	if !ok || len(list) == 0 {
		return true
	}
	for _, item := range list {
		if s, ok := item.(string); ok && (s == agent || s == "*") {
			return true
		}
	}
	return false
}

// PollEventsParams holds one long-poll request. Cursor nil resumes
// from the stored cursor; AutoAdvance persists the new position after
// delivery.
type PollEventsParams struct {
	Agent       string
	Cursor      *int
	Limit       int
	TimeoutMS   int
	AutoAdvance bool
}

// PollEvents delivers events visible to the agent starting at its
// cursor, blocking up to TimeoutMS for new appends. Events addressed
// to other agents are skipped but still advance the cursor, so a
// consumer never sees them twice nor stalls behind them.
func (e *Engine) PollEvents(ctx context.Context, params PollEventsParams) (*PollResult, error) {
	// Long-poll calls are the normal team member loop heartbeat in practice.
	if err := e.assertAgentOperational(params.Agent); err != nil {
		return nil, err
	}
	if err := e.refreshAgentPresence(params.Agent); err != nil {
		return nil, err
	}

	var start int
	if params.Cursor == nil {
		stored, err := e.GetAgentCursor(params.Agent)
		if err != nil {
			return nil, err
		}
		start = stored
	} else {
		start = max(0, *params.Cursor)
	}

	if err := e.bus.WaitForEventIndex(ctx, start, time.Duration(params.TimeoutMS)*time.Millisecond); err != nil {
		return nil, err
	}

	indexed, err := e.bus.EventsFrom(start)
	if err != nil {
		return nil, err
	}
	filtered := []PolledEvent{}
	currentIndex := start
	for _, entry := range indexed {
		if !audienceAllows(entry.Event.Payload, params.Agent) {
			currentIndex = entry.Index + 1
			continue
		}
		filtered = append(filtered, PolledEvent{Event: *entry.Event, Offset: entry.Index})
		currentIndex = entry.Index + 1
		if len(filtered) >= params.Limit {
			break
		}
	}

	nextCursor := currentIndex
	if params.AutoAdvance {
		if err := e.setAgentCursor(params.Agent, nextCursor); err != nil {
			return nil, err
		}
	}
	return &PollResult{
		Agent:      params.Agent,
		Cursor:     start,
		NextCursor: nextCursor,
		Events:     filtered,
	}, nil
}

// AckEvent records that the agent consumed an event. Acks are
// idempotent per agent/event pair.
func (e *Engine) AckEvent(agent, eventID string) (*AckResult, error) {
	if err := e.refreshAgentPresence(agent); err != nil {
		return nil, err
	}
	if err := e.appendAckLocked(agent, eventID); err != nil {
		return nil, err
	}
	if _, err := e.bus.Emit("event.acked", agent, map[string]interface{}{
		"agent":    agent,
		"event_id": eventID,
	}); err != nil {
		return nil, err
	}
	return &AckResult{Agent: agent, EventID: eventID, Acked: true}, nil
}

func (e *Engine) appendAckLocked(agent, eventID string) error {
	unlock, err := e.store.Lock()
	if err != nil {
		return err
	}
	defer unlock()

	acks, err := e.readAcks()
	if err != nil {
		return err
	}
	for _, existing := range acks[agent] {
		if existing == eventID {
			return nil
		}
	}
	acks[agent] = append(acks[agent], eventID)
	return e.store.Put(docAcks, acks)
}
