package simbridge

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"simbridge/internal/msgs"
)

type SpawnOption func(*msgs.Factory)

func WithPose(p msgs.Pose) SpawnOption {
	return func(f *msgs.Factory) {
		pose := p
		f.Pose = &pose
	}
}

// SpawnEntity asks the simulator to insert the model at modelURI under name.
// The simulator applies it asynchronously; success shows up on the entity
// state topics.
func (b *Bridge) SpawnEntity(modelURI, name string, opts ...SpawnOption) error {
	if modelURI == "" {
		return errors.New("spawn: model uri required")
	}
	f := msgs.Factory{ModelURI: modelURI, Name: name}
	for _, opt := range opts {
		opt(&f)
	}
	if err := b.Publish(b.topics.Factory, msgs.TypeFactory, f); err != nil {
		return err
	}
	b.log.Debug("spawn requested", zap.String("uri", modelURI), zap.String("name", name))
	return nil
}

// DeleteEntity publishes a delete command for name. The outcome arrives on
// the response topic; subscribe to it first to observe it.
func (b *Bridge) DeleteEntity(name string) error {
	if name == "" {
		return errors.New("delete: entity name required")
	}
	_, err := b.Request(msgs.RequestEntityDelete, name)
	return err
}

// DeleteEntityExpect deletes name and arms a pending request for its
// response. done may be nil when the caller waits on the Pending instead.
func (b *Bridge) DeleteEntityExpect(name string, done func(msgs.Response)) (*Pending, error) {
	if name == "" {
		return nil, errors.New("delete: entity name required")
	}
	return b.RequestExpect(msgs.RequestEntityDelete, name, done)
}

// Request publishes a generic command on the request topic and returns its id.
func (b *Bridge) Request(kind, data string) (int64, error) {
	id := b.requestSeq.Add(1)
	req := msgs.Request{ID: id, Request: kind, Data: data}
	if err := b.Publish(b.topics.Request, msgs.TypeRequest, req); err != nil {
		return 0, err
	}
	return id, nil
}

// RequestExpect publishes a command and correlates its response. The
// request is armed before publishing so a fast reply cannot be missed.
func (b *Bridge) RequestExpect(kind, data string, done func(msgs.Response)) (*Pending, error) {
	id := b.requestSeq.Add(1)
	p, err := b.Expect(Expectation{Request: kind, Target: data, ID: id}, done)
	if err != nil {
		return nil, err
	}
	req := msgs.Request{ID: id, Request: kind, Data: data}
	if err := b.Publish(b.topics.Request, msgs.TypeRequest, req); err != nil {
		p.Cancel()
		return nil, err
	}
	return p, nil
}

// Expect arms exp against the response topic, subscribing to it if needed.
func (b *Bridge) Expect(exp Expectation, done func(msgs.Response)) (*Pending, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if b.hook == nil || !b.hook.Active() {
		hook, err := b.subscribeLocked(b.topics.Response, msgs.TypeResponse, b.onResponse)
		if err != nil {
			return nil, err
		}
		b.hook = hook
	}
	return b.correlator.Arm(exp, done), nil
}

// Await waits for p, bounded by ctx.
func (b *Bridge) Await(ctx context.Context, p *Pending) (msgs.Response, error) {
	return p.Wait(ctx)
}

func (b *Bridge) onResponse(ev Event, err error) {
	if err != nil {
		b.log.Warn("undecodable response", zap.Error(err))
		return
	}
	resp, ok := ev.Record.Response()
	if !ok {
		return
	}
	if p := b.correlator.Resolve(resp); p != nil {
		b.log.Debug("response correlated",
			zap.String("request", resp.Request),
			zap.String("response", resp.Response),
			zap.Int64("id", resp.ID),
		)
	}
}

// Pause pauses the simulation.
func (b *Bridge) Pause() error {
	pause := true
	return b.worldControl(msgs.WorldControl{Pause: &pause})
}

// Play resumes a paused simulation.
func (b *Bridge) Play() error {
	pause := false
	return b.worldControl(msgs.WorldControl{Pause: &pause})
}

// Step advances a paused simulation by n iterations.
func (b *Bridge) Step(n uint32) error {
	if n <= 1 {
		return b.worldControl(msgs.WorldControl{Step: true})
	}
	return b.worldControl(msgs.WorldControl{MultiStep: n})
}

// ResetWorld resets the simulation to its initial state.
func (b *Bridge) ResetWorld() error {
	return b.worldControl(msgs.WorldControl{Reset: true})
}

func (b *Bridge) worldControl(wc msgs.WorldControl) error {
	return b.Publish(b.topics.WorldControl, msgs.TypeWorldControl, wc)
}

// Publisher publishes on a fixed topic and type.
type Publisher struct {
	b     *Bridge
	topic string
	typ   string
}

// Publisher returns a Publisher for topic and typ.
func (b *Bridge) Publisher(topic, typ string) *Publisher {
	return &Publisher{b: b, topic: topic, typ: typ}
}

func (p *Publisher) Topic() string { return p.topic }

func (p *Publisher) Publish(payload any) error {
	return p.b.Publish(p.topic, p.typ, payload)
}
