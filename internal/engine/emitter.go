package engine

import "context"

// Emitter wraps an event channel so every send observes ctx.
type Emitter struct {
	ctx    context.Context
	events chan<- Event
}

// NewEmitter binds events to ctx.
func NewEmitter(ctx context.Context, events chan<- Event) *Emitter {
	return &Emitter{ctx: ctx, events: events}
}

func (e *Emitter) send(ev Event) error {
	select {
	case e.events <- ev:
		return nil
	case <-e.ctx.Done():
		return context.Cause(e.ctx)
	}
}

// Item reports an output item.
func (e *Emitter) Item(it Item) error {
	return e.send(Event{Kind: EventItem, Item: it})
}

// Loading reports whether the engine is waiting on the model.
func (e *Emitter) Loading(loading bool) error {
	return e.send(Event{Kind: EventLoading, Loading: loading})
}

// ResponseID records the id a later run can resume from.
func (e *Emitter) ResponseID(id string) error {
	return e.send(Event{Kind: EventResponseID, ResponseID: id})
}

// Confirm asks for a decision and waits for it. A cancelled ctx yields a denial alongside
// the cancellation cause.
func (e *Emitter) Confirm(command []string, patch, reason string) (Review, error) {
	reply := make(chan Review, 1)
	if err := e.send(Event{Kind: EventConfirm, Confirm: &ConfirmRequest{
		Command: command,
		Patch:   patch,
		Reason:  reason,
		Reply:   reply,
	}}); err != nil {
		return Review{Verdict: Denied}, err
	}
	select {
	case r := <-reply:
		return r, nil
	case <-e.ctx.Done():
		return Review{Verdict: Denied}, context.Cause(e.ctx)
	}
}
