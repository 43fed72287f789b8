package payments

import (
	"context"
	"errors"
	"strconv"
	"sync"
)

const fakeSignature = "t=1,v1=valid"

var errBadSignature = errors.New("no signatures found matching the expected signature for payload")

// fakeGateway keeps intents in memory and treats fakeSignature as the only
// valid webhook signature.
type fakeGateway struct {
	mu        sync.Mutex
	intents   map[string]*Intent
	byKey     map[string]string
	created   []CreateIntentParams
	createErr error
	getErr    error
	event     *Event
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		intents: make(map[string]*Intent),
		byKey:   make(map[string]string),
	}
}

func (g *fakeGateway) CreateIntent(_ context.Context, p CreateIntentParams) (*Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.createErr != nil {
		return nil, g.createErr
	}
	g.created = append(g.created, p)

	if id, ok := g.byKey[p.IdempotencyKey]; ok {
		return g.copyOf(id), nil
	}

	id := "pi_" + strconv.Itoa(len(g.intents)+1)
	g.intents[id] = &Intent{
		ID:           id,
		ClientSecret: id + "_secret",
		Status:       "requires_payment_method",
		Amount:       p.Amount,
		Currency:     p.Currency,
		Metadata:     p.Metadata,
	}
	g.byKey[p.IdempotencyKey] = id

	return g.copyOf(id), nil
}

func (g *fakeGateway) GetIntent(_ context.Context, id string) (*Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.getErr != nil {
		return nil, g.getErr
	}
	if _, ok := g.intents[id]; !ok {
		return nil, errors.New("no such payment_intent: " + id)
	}
	return g.copyOf(id), nil
}

func (g *fakeGateway) ParseWebhook(_ []byte, signature string) (*Event, error) {
	if signature != fakeSignature {
		return nil, errBadSignature
	}
	return g.event, nil
}

func (g *fakeGateway) setStatus(id, status string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.intents[id].Status = status
}

func (g *fakeGateway) createCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.created)
}

func (g *fakeGateway) copyOf(id string) *Intent {
	intent := *g.intents[id]
	return &intent
}
