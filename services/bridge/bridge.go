// Package bridge links the local bus to a remote peer over a byte stream:
// selected local topics are forwarded out, and the peer may publish or send
// requests (typically HAL control calls) in.
package bridge

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"cynthion-go/bus"
)

// -----------------------------------------------------------------------------
// Public entry point
// -----------------------------------------------------------------------------

// Start starts the bridge service. It blocks until ctx is cancelled.
// It listens for JSON config on topic {"config","bridge"} and (re)configures the link.
func Start(ctx context.Context, conn *bus.Connection, log *zap.SugaredLogger) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &Service{
		conn:       conn,
		log:        log.Named("bridge"),
		stateTopic: bus.T("bridge", "state"),
	}
	s.run(ctx)
}

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Config is the JSON-encoded configuration expected on "config/bridge".
type Config struct {
	Transport TransportConfig `json:"transport"`

	// Forward lists local topic patterns sent to the peer ("board/#").
	Forward []string `json:"forward"`
	// Accept lists topic patterns the peer may publish or request on.
	Accept []string `json:"accept"`
	// RequestTimeoutMS bounds requests relayed from the peer.
	RequestTimeoutMS int `json:"request_timeout_ms,omitempty"`
}

type TransportConfig struct {
	// "tcp", "unix" or other names registered via RegisterTransport.
	Type    string `json:"type"`
	Address string `json:"address,omitempty"`
}

func (c Config) withDefaults() Config {
	if len(c.Forward) == 0 {
		c.Forward = []string{
			"board/+/state", "board/+/info",
			"hal/capability/+/+/info", "hal/capability/+/+/state", "hal/capability/+/+/value",
			"config/families",
		}
	}
	if len(c.Accept) == 0 {
		c.Accept = []string{"hal/capability/+/+/control/+"}
	}
	if c.RequestTimeoutMS <= 0 {
		c.RequestTimeoutMS = 5000
	}
	return c
}

// -----------------------------------------------------------------------------
// Service
// -----------------------------------------------------------------------------

type Service struct {
	conn       *bus.Connection
	log        *zap.SugaredLogger
	stateTopic bus.Topic

	mu     sync.Mutex
	curRun context.CancelFunc
}

// run waits for config and supervises a single link instance.
func (s *Service) run(ctx context.Context) {
	cfgSub := s.conn.Subscribe(bus.T("config", "bridge"))
	defer s.conn.Unsubscribe(cfgSub)

	s.publishState("idle", "awaiting_config", nil)

	for {
		select {
		case <-ctx.Done():
			s.stopCurrent()
			return
		case msg, ok := <-cfgSub.Channel():
			if !ok {
				s.publishState("error", "config_subscription_closed", nil)
				return
			}
			cfg, err := decodeConfig(msg.Payload)
			if err != nil {
				s.publishState("error", "config_decode_failed", err)
				continue
			}
			s.reconfigure(ctx, cfg.withDefaults())
		}
	}
}

func (s *Service) stopCurrent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.curRun != nil {
		s.curRun()
		s.curRun = nil
	}
}

func (s *Service) reconfigure(parent context.Context, cfg Config) {
	s.mu.Lock()
	// Cancel any existing run.
	if s.curRun != nil {
		s.curRun()
		s.curRun = nil
	}
	ctx, cancel := context.WithCancel(parent)
	s.curRun = cancel
	s.mu.Unlock()

	go s.runLink(ctx, cfg)
}

// -----------------------------------------------------------------------------
// Link supervision and I/O
// -----------------------------------------------------------------------------

func (s *Service) runLink(ctx context.Context, cfg Config) {
	tr, err := newTransport(cfg.Transport)
	if err != nil {
		s.publishState("error", "transport_init_failed", err)
		return
	}

	backoff := backoffSeq(250*time.Millisecond, 5*time.Second)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		rwc, err := tr.Open(ctx)
		if err != nil {
			delay := backoff()
			s.publishState("degraded", "dial_failed_retrying", errors.Wrapf(err, "retry in %s", delay))
			if !sleep(ctx, delay) {
				return
			}
			continue
		}

		s.publishState("up", "link_established", nil)
		s.log.Infow("link up", "transport", tr.String())
		err = s.handleLink(ctx, rwc, cfg)
		_ = rwc.Close()
		if err != nil {
			delay := backoff()
			s.log.Warnw("link lost", "error", err, "retry_in", delay)
			s.publishState("degraded", "link_lost_retrying", errors.Wrapf(err, "retry in %s", delay))
			if !sleep(ctx, delay) {
				return
			}
			continue
		}
		// Clean close: restart only on new config.
		s.publishState("idle", "link_closed", nil)
		return
	}
}

// handleLink owns the active link lifetime.
func (s *Service) handleLink(ctx context.Context, rwc io.ReadWriteCloser, cfg Config) error {
	rd := newFramedReader(rwc)
	wr := newFramedWriter(rwc)
	accept := parsePatterns(cfg.Accept)
	forward := parsePatterns(cfg.Forward)
	timeout := time.Duration(cfg.RequestTimeoutMS) * time.Millisecond

	// Local link connection; dropped with the link.
	lc := s.conn.Bus().NewConnection(s.conn.ID() + "/link")
	defer lc.Disconnect()

	// Messages that came from the peer are not sent back to it.
	var echoMu sync.Mutex
	echo := map[*bus.Message]struct{}{}

	fwd := make(chan *bus.Message, 64)
	for _, p := range forward {
		sub := lc.Subscribe(p)
		go func() {
			for m := range sub.Channel() {
				select {
				case fwd <- m:
				default:
					s.log.Debugw("forward queue full, dropping", "topic", m.Topic)
				}
			}
		}()
	}

	// Reader
	errCh := make(chan error, 1)
	go func() {
		for {
			f, err := rd.ReadFrame()
			if err != nil {
				errCh <- err
				return
			}
			switch f.Type {
			case framePing:
				if err := wr.WriteFrame(Frame{Type: framePong}); err != nil {
					errCh <- err
					return
				}
			case framePong:
			case framePub:
				var w wireMsg
				if err := json.Unmarshal(f.Payload, &w); err != nil {
					s.log.Warnw("bad frame from peer", "error", err)
					continue
				}
				topic := w.topic()
				if !matchAny(accept, topic) {
					s.log.Warnw("peer topic not accepted", "topic", topic)
					if w.ReqID != 0 {
						_ = wr.writeJSON(frameAck, wireMsg{ReqID: w.ReqID, Error: "not_accepted"})
					}
					continue
				}
				if w.ReqID == 0 {
					m := lc.NewMessage(topic, w.payload(), w.Retained)
					if matchAny(forward, topic) {
						echoMu.Lock()
						echo[m] = struct{}{}
						echoMu.Unlock()
					}
					lc.Publish(m)
					continue
				}
				go s.relay(ctx, lc, wr, w, topic, timeout)
			case frameClose:
				errCh <- nil
				return
			default:
				s.log.Debugw("unknown frame", "type", f.Type)
			}
		}
	}()

	tick := time.NewTicker(5 * time.Second)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			// Best-effort close; a stalled peer must not hold shutdown.
			if d, ok := rwc.(interface{ SetWriteDeadline(time.Time) error }); ok {
				_ = d.SetWriteDeadline(time.Now().Add(time.Second))
			}
			_ = wr.WriteFrame(Frame{Type: frameClose})
			return nil
		case err := <-errCh:
			return err
		case m := <-fwd:
			echoMu.Lock()
			_, own := echo[m]
			delete(echo, m)
			echoMu.Unlock()
			if own || len(m.ReplyTo) > 0 {
				continue
			}
			w := wireMsg{Topic: m.Topic, Retained: m.Retained}
			if m.Payload != nil {
				b, err := json.Marshal(m.Payload)
				if err != nil {
					s.log.Debugw("payload not encodable", "topic", m.Topic, "error", err)
					continue
				}
				w.Payload = b
			}
			if err := wr.writeJSON(framePub, w); err != nil {
				return err
			}
		case <-tick.C:
			if err := wr.WriteFrame(Frame{Type: framePing}); err != nil {
				return err
			}
		}
	}
}

// relay performs a peer's request on the local bus and sends the reply back.
func (s *Service) relay(ctx context.Context, lc *bus.Connection, wr *framedWriter, w wireMsg, topic bus.Topic, timeout time.Duration) {
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ack := wireMsg{ReqID: w.ReqID}
	rep, err := lc.Request(rctx, topic, w.payload())
	if err != nil {
		ack.Error = err.Error()
	} else if b, err := json.Marshal(rep.Payload); err == nil {
		ack.Payload = b
	} else {
		ack.Error = err.Error()
	}
	if err := wr.writeJSON(frameAck, ack); err != nil {
		s.log.Debugw("ack write failed", "error", err)
	}
}

// -----------------------------------------------------------------------------
// Transport registry
// -----------------------------------------------------------------------------

// Transport is a pluggable link dialler/owner.
type Transport interface {
	Open(ctx context.Context) (io.ReadWriteCloser, error)
	String() string
}

type transportFactory func(TransportConfig) (Transport, error)

var (
	regMu    sync.RWMutex
	registry = map[string]transportFactory{}
)

// RegisterTransport allows external packages to add transports (eg. "ws").
func RegisterTransport(name string, f transportFactory) {
	regMu.Lock()
	defer regMu.Unlock()
	registry[name] = f
}

func newTransport(cfg TransportConfig) (Transport, error) {
	regMu.RLock()
	f, ok := registry[cfg.Type]
	regMu.RUnlock()
	if ok {
		return f(cfg)
	}
	switch cfg.Type {
	case "tcp", "unix":
		if cfg.Address == "" {
			return nil, errors.Errorf("%s transport requires an address", cfg.Type)
		}
		return &netTransport{network: cfg.Type, addr: cfg.Address}, nil
	default:
		return nil, errors.Errorf("unknown transport type: %q", cfg.Type)
	}
}

// netTransport dials a stream socket.
type netTransport struct {
	network, addr string
}

func (n *netTransport) Open(ctx context.Context) (io.ReadWriteCloser, error) {
	var d net.Dialer
	return d.DialContext(ctx, n.network, n.addr)
}

func (n *netTransport) String() string { return n.network + ":" + n.addr }

// -----------------------------------------------------------------------------
// Framing: type, u16 length, payload
// -----------------------------------------------------------------------------

const (
	framePing  byte = 0x01
	framePong  byte = 0x02
	framePub   byte = 0x10
	frameAck   byte = 0x13
	frameClose byte = 0x7f
)

// Frame is a very simple length-prefixed frame.
type Frame struct {
	Type    byte
	Payload []byte
}

// wireMsg is the JSON body of pub and ack frames.
type wireMsg struct {
	Topic    []any           `json:"topic,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Retained bool            `json:"retained,omitempty"`
	ReqID    uint64          `json:"req_id,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// topic restores integer tokens, which JSON turns into floats.
func (w wireMsg) topic() bus.Topic {
	t := make(bus.Topic, len(w.Topic))
	for i, tok := range w.Topic {
		if f, ok := tok.(float64); ok && f == float64(int(f)) {
			t[i] = int(f)
			continue
		}
		t[i] = tok
	}
	return t
}

func (w wireMsg) payload() any {
	if len(w.Payload) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(w.Payload, &v); err != nil {
		return nil
	}
	return v
}

type framedReader struct{ r io.Reader }

type framedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func newFramedReader(r io.Reader) *framedReader { return &framedReader{r: r} }
func newFramedWriter(w io.Writer) *framedWriter { return &framedWriter{w: w} }

func (fr *framedReader) ReadFrame() (Frame, error) {
	var hdr [3]byte
	if _, err := io.ReadFull(fr.r, hdr[:]); err != nil {
		return Frame{}, err
	}
	typ := hdr[0]
	n := int(hdr[1])<<8 | int(hdr[2])
	var buf []byte
	if n > 0 {
		buf = make([]byte, n)
		if _, err := io.ReadFull(fr.r, buf); err != nil {
			return Frame{}, err
		}
	}
	return Frame{Type: typ, Payload: buf}, nil
}

func (fw *framedWriter) WriteFrame(f Frame) error {
	if len(f.Payload) > 0xFFFF {
		return errors.Errorf("frame too large: %d", len(f.Payload))
	}
	buf := make([]byte, 0, 3+len(f.Payload))
	buf = append(buf, f.Type, byte(len(f.Payload)>>8), byte(len(f.Payload)))
	buf = append(buf, f.Payload...)

	fw.mu.Lock()
	defer fw.mu.Unlock()
	_, err := fw.w.Write(buf)
	return err
}

func (fw *framedWriter) writeJSON(typ byte, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return fw.WriteFrame(Frame{Type: typ, Payload: b})
}

// -----------------------------------------------------------------------------
// Topic patterns
// -----------------------------------------------------------------------------

// parsePatterns splits "a/+/b" style patterns into topics.
func parsePatterns(ps []string) []bus.Topic {
	out := make([]bus.Topic, 0, len(ps))
	for _, p := range ps {
		var t bus.Topic
		for _, tok := range strings.Split(strings.Trim(p, "/"), "/") {
			t = append(t, tok)
		}
		out = append(out, t)
	}
	return out
}

func match(pattern, topic bus.Topic) bool {
	for i, p := range pattern {
		if p == bus.WildTail {
			return true
		}
		if i >= len(topic) {
			return false
		}
		if p != bus.Wild && p != topic[i] {
			return false
		}
	}
	return len(pattern) == len(topic)
}

func matchAny(patterns []bus.Topic, topic bus.Topic) bool {
	for _, p := range patterns {
		if match(p, topic) {
			return true
		}
	}
	return false
}

// -----------------------------------------------------------------------------
// Utilities
// -----------------------------------------------------------------------------

func decodeConfig(p any) (Config, error) {
	var cfg Config
	switch v := p.(type) {
	case Config:
		return v, nil
	case []byte:
		if err := json.Unmarshal(v, &cfg); err != nil {
			return cfg, err
		}
	case string:
		if err := json.Unmarshal([]byte(v), &cfg); err != nil {
			return cfg, err
		}
	case map[string]any:
		// Already a decoded object; re-marshal for simplicity.
		b, err := json.Marshal(v)
		if err != nil {
			return cfg, err
		}
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, errors.Errorf("unsupported config payload type: %T", p)
	}
	return cfg, nil
}

func (s *Service) publishState(level, status string, err error) {
	payload := map[string]any{
		"level":  level,  // "up", "degraded", "error", "idle"
		"status": status, // short machine string
		"ts_ms":  time.Now().UnixMilli(),
	}
	if err != nil {
		payload["error"] = err.Error()
	}
	msg := s.conn.NewMessage(s.stateTopic, payload, true)
	s.conn.Publish(msg)
}

func backoffSeq(min, max time.Duration) func() time.Duration {
	if min <= 0 {
		min = 100 * time.Millisecond
	}
	if max < min {
		max = min
	}
	var cur = min
	return func() time.Duration {
		d := cur
		cur *= 2
		if cur > max {
			cur = max
		}
		return d
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
