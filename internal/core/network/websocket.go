package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	opSubscribe   = "sub"
	opUnsubscribe = "unsub"
	opPublish     = "pub"
	opMessage     = "msg"
)

// wsFrame is the JSON frame exchanged between a WebSocketPubSub client and a
// WebSocketHandler.
type wsFrame struct {
	Op    string          `json:"op"`
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type wsSafeConn struct {
	conn      *websocket.Conn
	mu        sync.Mutex
	closeOnce sync.Once
}

func (sc *wsSafeConn) writeFrame(f wsFrame) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	_ = sc.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return sc.conn.WriteJSON(f)
}

func (sc *wsSafeConn) close() error {
	var err error
	sc.closeOnce.Do(func() {
		sc.mu.Lock()
		_ = sc.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		sc.mu.Unlock()
		err = sc.conn.Close()
	})
	return err
}

// WebSocketPubSub is a PubSub client speaking to a WebSocketHandler.
type WebSocketPubSub struct {
	conn *wsSafeConn
	log  *zap.Logger

	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]chan Message
	closed bool
	done   chan struct{}
}

// WebSocketDialer returns a Dialer connecting to url.
func WebSocketDialer(url string, header http.Header, logger *zap.Logger) Dialer {
	return func(ctx context.Context) (PubSub, error) {
		return DialWebSocket(ctx, url, header, logger)
	}
}

func DialWebSocket(ctx context.Context, url string, header http.Header, logger *zap.Logger) (*WebSocketPubSub, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, &ConnectionError{Transport: "websocket", Addr: url, Err: err}
	}
	p := &WebSocketPubSub{
		conn: &wsSafeConn{conn: conn},
		log:  logger,
		subs: make(map[string]map[int]chan Message),
		done: make(chan struct{}),
	}
	go p.readLoop()
	return p, nil
}

func (p *WebSocketPubSub) Publish(topic string, payload []byte) error {
	if !json.Valid(payload) {
		return fmt.Errorf("publish %s: payload is not json", topic)
	}
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	return p.conn.writeFrame(wsFrame{Op: opPublish, Topic: topic, Data: payload})
}

func (p *WebSocketPubSub) Subscribe(topic string) (<-chan Message, func(), error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, nil, ErrClosed
	}
	first := len(p.subs[topic]) == 0
	if first {
		p.subs[topic] = make(map[int]chan Message)
	}
	id := p.nextID
	p.nextID++
	ch := make(chan Message, 64)
	p.subs[topic][id] = ch
	p.mu.Unlock()

	if first {
		if err := p.conn.writeFrame(wsFrame{Op: opSubscribe, Topic: topic}); err != nil {
			p.removeSub(topic, id)
			return nil, nil, err
		}
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			if p.removeSub(topic, id) {
				_ = p.conn.writeFrame(wsFrame{Op: opUnsubscribe, Topic: topic})
			}
		})
	}
	return ch, cancel, nil
}

// removeSub drops one local subscription and reports whether it was the last
// one on topic.
func (p *WebSocketPubSub) removeSub(topic string, id int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	subsByTopic, ok := p.subs[topic]
	if !ok {
		return false
	}
	ch, exists := subsByTopic[id]
	if !exists {
		return false
	}
	delete(subsByTopic, id)
	close(ch)
	if len(subsByTopic) == 0 {
		delete(p.subs, topic)
		return !p.closed
	}
	return false
}

func (p *WebSocketPubSub) Close() error {
	p.shutdown()
	return p.conn.close()
}

// Done is closed once the connection is gone, whether by Close or by the
// remote end.
func (p *WebSocketPubSub) Done() <-chan struct{} {
	return p.done
}

func (p *WebSocketPubSub) shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.done)
	for topic, subsByTopic := range p.subs {
		for id, ch := range subsByTopic {
			delete(subsByTopic, id)
			close(ch)
		}
		delete(p.subs, topic)
	}
}

func (p *WebSocketPubSub) readLoop() {
	defer p.shutdown()
	for {
		var f wsFrame
		if err := p.conn.conn.ReadJSON(&f); err != nil {
			if !isExpectedWSClose(err) {
				p.log.Warn("websocket bus read failed", zap.Error(err))
			}
			return
		}
		if f.Op != opMessage {
			continue
		}
		p.deliver(Message{Topic: f.Topic, Payload: []byte(f.Data)})
	}
}

func (p *WebSocketPubSub) deliver(msg Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.subs[msg.Topic] {
		select {
		case ch <- msg:
		default:
			p.log.Warn("websocket subscriber buffer full, dropping message", zap.String("topic", msg.Topic))
		}
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// WebSocketHandler exposes bus to websocket clients. Each connection gets its
// own set of subscriptions, torn down when the client disconnects.
type WebSocketHandler struct {
	bus PubSub
	log *zap.Logger
}

func NewWebSocketHandler(bus PubSub, logger *zap.Logger) *WebSocketHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocketHandler{bus: bus, log: logger}
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	sc := &wsSafeConn{conn: conn}
	defer func() { _ = sc.close() }()

	cancels := make(map[string]func())
	defer func() {
		for _, cancel := range cancels {
			cancel()
		}
	}()

	remote := r.RemoteAddr
	h.log.Debug("websocket bus client connected", zap.String("remote", remote))
	for {
		var f wsFrame
		if err := conn.ReadJSON(&f); err != nil {
			if !isExpectedWSClose(err) {
				h.log.Debug("websocket bus client gone", zap.String("remote", remote), zap.Error(err))
			}
			return
		}
		switch f.Op {
		case opSubscribe:
			if _, ok := cancels[f.Topic]; ok {
				continue
			}
			ch, cancel, err := h.bus.Subscribe(f.Topic)
			if err != nil {
				h.log.Warn("bus subscribe failed", zap.String("topic", f.Topic), zap.Error(err))
				continue
			}
			cancels[f.Topic] = cancel
			go func(topic string, ch <-chan Message) {
				for msg := range ch {
					if err := sc.writeFrame(wsFrame{Op: opMessage, Topic: topic, Data: msg.Payload}); err != nil {
						return
					}
				}
			}(f.Topic, ch)
		case opUnsubscribe:
			if cancel, ok := cancels[f.Topic]; ok {
				cancel()
				delete(cancels, f.Topic)
			}
		case opPublish:
			if err := h.bus.Publish(f.Topic, f.Data); err != nil {
				h.log.Warn("bus publish failed", zap.String("topic", f.Topic), zap.Error(err))
			}
		default:
			h.log.Debug("unknown websocket frame", zap.String("op", f.Op))
		}
	}
}

func isExpectedWSClose(err error) bool {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return true
	}
	return errors.Is(err, net.ErrClosed)
}
