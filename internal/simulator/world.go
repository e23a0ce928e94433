// Package simulator is a bus-side stand-in for the physics simulator. It
// keeps a set of named entities and answers spawn, delete and world control
// commands the way the real simulator does, which is enough to exercise a
// bridge end to end without a physics engine.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"simbridge/internal/msgs"
	"simbridge/internal/simbridge"
)

var (
	ErrEntityExists    = errors.New("entity already exists")
	ErrEntityNotFound  = errors.New("entity not found")
	ErrModelURIMissing = errors.New("model uri required")
)

type Entity struct {
	ID        uint32    `json:"id"`
	Name      string    `json:"name"`
	URI       string    `json:"uri"`
	Pose      msgs.Pose `json:"pose"`
	CreatedAt time.Time `json:"created_at"`
}

// World holds the simulated entities and serves commands arriving on the
// bus through its bridge.
type World struct {
	bridge *simbridge.Bridge
	log    *zap.Logger

	mu         sync.RWMutex
	entities   map[string]*Entity
	paused     bool
	iterations uint64
	seq        atomic.Uint32
}

func NewWorld(bridge *simbridge.Bridge, logger *zap.Logger) *World {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &World{
		bridge:   bridge,
		log:      logger,
		entities: make(map[string]*Entity),
	}
}

// Start subscribes to the command topics and connects the bridge.
func (w *World) Start(ctx context.Context) error {
	topics := w.bridge.Topics()
	if _, err := w.bridge.Subscribe(topics.Factory, msgs.TypeFactory, w.onFactory); err != nil {
		return fmt.Errorf("subscribe factory: %w", err)
	}
	if _, err := w.bridge.Subscribe(topics.Request, msgs.TypeRequest, w.onRequest); err != nil {
		return fmt.Errorf("subscribe requests: %w", err)
	}
	if _, err := w.bridge.Subscribe(topics.WorldControl, msgs.TypeWorldControl, w.onWorldControl); err != nil {
		return fmt.Errorf("subscribe world control: %w", err)
	}
	return w.bridge.Connect(ctx)
}

func (w *World) Stop() error {
	return w.bridge.Shutdown()
}

// Spawn inserts an entity. An empty name is derived from the model URI and
// made unique.
func (w *World) Spawn(uri, name string, pose *msgs.Pose) (*Entity, error) {
	if uri == "" {
		return nil, ErrModelURIMissing
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if name == "" {
		name = w.uniqueNameLocked(modelName(uri))
	} else if _, ok := w.entities[name]; ok {
		return nil, ErrEntityExists
	}
	e := &Entity{
		ID:        w.seq.Add(1),
		Name:      name,
		URI:       uri,
		CreatedAt: time.Now().UTC(),
	}
	if pose != nil {
		e.Pose = *pose
	}
	w.entities[name] = e
	w.publishModelLocked(e)
	cp := *e
	return &cp, nil
}

func (w *World) Delete(name string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.entities[name]; !ok {
		return ErrEntityNotFound
	}
	delete(w.entities, name)
	return nil
}

func (w *World) Entity(name string) (*Entity, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	e, ok := w.entities[name]
	if !ok {
		return nil, ErrEntityNotFound
	}
	cp := *e
	return &cp, nil
}

// Entities returns all entities sorted by name.
func (w *World) Entities() []Entity {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]Entity, 0, len(w.entities))
	for _, e := range w.entities {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (w *World) Paused() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.paused
}

func (w *World) Iterations() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.iterations
}

func (w *World) onFactory(ev simbridge.Event, err error) {
	if err != nil {
		w.log.Warn("bad factory message", zap.Error(err))
		return
	}
	f, ok := ev.Record.Value.(*msgs.Factory)
	if !ok {
		return
	}
	e, err := w.Spawn(f.ModelURI, f.Name, f.Pose)
	if err != nil {
		w.log.Warn("spawn rejected", zap.String("uri", f.ModelURI), zap.String("name", f.Name), zap.Error(err))
		return
	}
	w.log.Info("entity spawned", zap.String("name", e.Name), zap.String("uri", e.URI), zap.Uint32("id", e.ID))
}

func (w *World) onRequest(ev simbridge.Event, err error) {
	if err != nil {
		w.log.Warn("bad request message", zap.Error(err))
		return
	}
	req, ok := ev.Record.Value.(*msgs.Request)
	if !ok {
		return
	}
	resp := msgs.Response{ID: req.ID, Request: req.Request}
	switch req.Request {
	case msgs.RequestEntityDelete:
		resp.Data = req.Data
		if err := w.Delete(req.Data); err != nil {
			resp.Response = msgs.StatusFailure
			w.log.Info("delete failed", zap.String("name", req.Data), zap.Error(err))
		} else {
			resp.Response = msgs.StatusSuccess
			w.log.Info("entity deleted", zap.String("name", req.Data))
		}
	case msgs.RequestEntityList:
		names := make([]string, 0)
		for _, e := range w.Entities() {
			names = append(names, e.Name)
		}
		resp.Response = msgs.StatusSuccess
		resp.Type = msgs.TypeModel
		resp.Data = strings.Join(names, ",")
	default:
		// Unknown requests get no response, like the real simulator.
		w.log.Debug("ignoring request", zap.String("request", req.Request))
		return
	}
	if err := w.bridge.Publish(w.bridge.Topics().Response, msgs.TypeResponse, resp); err != nil {
		w.log.Warn("publish response failed", zap.Error(err))
	}
}

func (w *World) onWorldControl(ev simbridge.Event, err error) {
	if err != nil {
		w.log.Warn("bad world control message", zap.Error(err))
		return
	}
	wc, ok := ev.Record.Value.(*msgs.WorldControl)
	if !ok {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if wc.Pause != nil {
		w.paused = *wc.Pause
	}
	if wc.Reset {
		w.iterations = 0
	}
	if w.paused {
		switch {
		case wc.MultiStep > 0:
			w.iterations += uint64(wc.MultiStep)
		case wc.Step:
			w.iterations++
		}
	}
}

func (w *World) publishModelLocked(e *Entity) {
	pose := e.Pose
	m := msgs.Model{Name: e.Name, ID: e.ID, URI: e.URI, Pose: &pose}
	if err := w.bridge.Publish(msgs.TopicModelInfo, msgs.TypeModel, m); err != nil && !errors.Is(err, simbridge.ErrNotConnected) {
		w.log.Warn("publish model info failed", zap.String("name", e.Name), zap.Error(err))
	}
}

func (w *World) uniqueNameLocked(base string) string {
	if _, taken := w.entities[base]; !taken {
		return base
	}
	for i := 0; ; i++ {
		name := fmt.Sprintf("%s_%d", base, i)
		if _, taken := w.entities[name]; !taken {
			return name
		}
	}
}

// modelName turns "model://coke_can" into "coke_can".
func modelName(uri string) string {
	name := strings.TrimPrefix(uri, "model://")
	name = strings.TrimSuffix(name, "/")
	name = path.Base(name)
	name = strings.TrimSuffix(name, path.Ext(name))
	if name == "" || name == "." || name == "/" {
		return "model"
	}
	return name
}
