// Package hal exposes the peripherals of every ready board on the bus: each
// one gets retained info and state plus a control endpoint. GPIO inputs are
// sampled and published on change; I2C sensors named in config/hal are
// attached to board buses and sampled on their own period.
package hal

import (
	"context"
	"time"

	"go.uber.org/zap"

	"cynthion-go/bus"
	"cynthion-go/errcode"
	"cynthion-go/peripherals"
	"cynthion-go/services/boards"
	"cynthion-go/types"
)

// Boards resolves a board name to its connection.
type Boards interface {
	Lookup(name string) (*boards.Connection, bool)
}

type Option func(*service)

func WithLogger(l *zap.SugaredLogger) Option { return func(s *service) { s.log = l } }

// WithConfig sets the starting configuration; config/hal overrides it.
func WithConfig(c Config) Option { return func(s *service) { s.cfg = c.merge(s.cfg) } }

// -----------------------------------------------------------------------------
// Entry point
// -----------------------------------------------------------------------------

// Run serves until ctx is cancelled.
func Run(ctx context.Context, conn *bus.Connection, b Boards, opts ...Option) {
	s := &service{
		conn:    conn,
		boards:  b,
		log:     zap.NewNop().Sugar(),
		cfg:     DefaultConfig(),
		caps:    map[capKey]peripherals.Peripheral{},
		workers: map[string]*worker{},
		levels:  map[capKey]bool{},
		due:     map[capKey]time.Time{},
		results: make(chan result, 32),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.Named("hal")
	s.loop(ctx)
}

type service struct {
	conn   *bus.Connection
	boards Boards
	log    *zap.SugaredLogger
	cfg    Config

	caps    map[capKey]peripherals.Peripheral
	workers map[string]*worker // board -> worker
	levels  map[capKey]bool    // last published GPIO input level
	due     map[capKey]time.Time

	results chan result
	timer   *time.Timer
}

// -----------------------------------------------------------------------------
// Main loop
// -----------------------------------------------------------------------------

func (s *service) loop(ctx context.Context) {
	cfgSub := s.conn.Subscribe(bus.T("config", "hal"))
	boardSub := s.conn.Subscribe(boards.AllStates())
	ctrlSub := s.conn.Subscribe(CapTopic(bus.Wild, bus.Wild, TokControl, bus.Wild))
	defer s.conn.Unsubscribe(cfgSub)
	defer s.conn.Unsubscribe(boardSub)
	defer s.conn.Unsubscribe(ctrlSub)

	s.timer = time.NewTimer(s.cfg.poll())
	defer s.timer.Stop()
	s.publishState("ready", "running", nil)

	for {
		select {
		case <-ctx.Done():
			for board := range s.workers {
				s.dropBoard(board)
			}
			s.publishState("stopped", "context_cancelled", nil)
			return

		case msg := <-cfgSub.Channel():
			var cfg Config
			if err := decodeJSON(msg.Payload, &cfg); err != nil {
				s.log.Warnw("bad config", "error", err)
				s.publishState("ready", "config_decode_failed", err)
				continue
			}
			s.cfg = cfg.merge(s.cfg)
			resetTimer(s.timer, s.cfg.poll())
			if cfg.Sensors != nil {
				s.resyncSensors()
			}
			s.log.Debugw("configured", "poll", s.cfg.poll(), "timeout", s.cfg.timeout())

		case msg := <-boardSub.Channel():
			// board/<name>/state
			name, _ := msg.Topic[1].(string)
			st, ok := msg.Payload.(types.BoardState)
			if !ok || name == "" {
				continue
			}
			switch st.Level {
			case types.LevelReady:
				s.addBoard(ctx, name)
			case types.LevelFailed, types.LevelClosed:
				s.dropBoard(name)
			}

		case msg := <-ctrlSub.Channel():
			s.control(msg)

		case <-s.timer.C:
			s.poll()
			s.timer.Reset(s.cfg.poll())

		case r := <-s.results:
			s.handleResult(r)
		}
	}
}

// -----------------------------------------------------------------------------
// Boards
// -----------------------------------------------------------------------------

func (s *service) addBoard(ctx context.Context, name string) {
	if _, ok := s.workers[name]; ok {
		return
	}
	c, ok := s.boards.Lookup(name)
	if !ok || c.State() != boards.StateReady {
		s.log.Warnw("ready board not found", "board", name)
		return
	}

	w := newWorker(s.cfg, s.results)
	w.Start(ctx)
	s.workers[name] = w

	now := time.Now().UnixMilli()
	for _, p := range c.Peripherals() {
		key := capKey{board: name, name: p.Name()}
		s.caps[key] = p
		s.pubRet(CapTopic(name, p.Name(), TokInfo), types.CapInfo{
			Board: name, Name: p.Name(), Kind: p.Kind(), Info: p.Info(),
		})
		s.pubRet(CapTopic(name, p.Name(), TokState), types.CapState{Link: types.LinkUp, TS: now})
	}
	s.attachSensors(name, c)
	s.log.Infow("board exposed", "board", name, "capabilities", len(c.Peripherals()))
}

func (s *service) dropBoard(name string) {
	w, ok := s.workers[name]
	if !ok {
		return
	}
	w.Stop()
	delete(s.workers, name)
	for _, j := range w.Drain() {
		if j.req != nil {
			s.replyErr(j.req, errWithdrawn())
		}
	}

	now := time.Now().UnixMilli()
	for key := range s.caps {
		if key.board != name {
			continue
		}
		s.pubRet(CapTopic(name, key.name, TokInfo), nil)
		s.pubRet(CapTopic(name, key.name, TokState), types.CapState{Link: types.LinkDown, TS: now})
		delete(s.caps, key)
		delete(s.levels, key)
		delete(s.due, key)
	}
	s.log.Infow("board withdrawn", "board", name)
}

// -----------------------------------------------------------------------------
// Control and sampling
// -----------------------------------------------------------------------------

func (s *service) control(msg *bus.Message) {
	// hal/capability/<board>/<name>/control/<method>
	if len(msg.Topic) < 6 {
		return
	}
	board, _ := msg.Topic[2].(string)
	name, _ := msg.Topic[3].(string)
	method, _ := msg.Topic[5].(string)
	key := capKey{board: board, name: name}

	p, ok := s.caps[key]
	if !ok {
		s.replyErr(msg, errcode.Newf(errcode.NotReady, "control", "no capability %s/%s", board, name))
		return
	}
	if !s.workers[board].Submit(job{key: key, p: p, method: method, payload: msg.Payload, req: msg}) {
		s.replyErr(msg, errcode.New(errcode.Error, "control", "busy"))
	}
}

func (s *service) poll() {
	now := time.Now()
	for key, p := range s.caps {
		switch v := p.(type) {
		case *peripherals.GPIOPin:
			if v.Direction() != peripherals.DirInput {
				continue
			}
		case *envSensor:
			if now.Before(s.due[key]) {
				continue
			}
			s.due[key] = now.Add(v.cfg.period())
		default:
			continue
		}
		// A full queue skips this round.
		_ = s.workers[key.board].Submit(job{key: key, p: p, method: methodPoll})
	}
}

func (s *service) handleResult(r result) {
	if _, live := s.caps[r.key]; !live {
		if r.req != nil {
			s.replyErr(r.req, errWithdrawn())
		}
		return
	}
	now := time.Now().UnixMilli()

	if r.err != nil {
		s.pubRet(CapTopic(r.key.board, r.key.name, TokState),
			types.CapState{Link: types.LinkDegraded, Error: string(errcode.Of(r.err)), TS: now})
		if r.req != nil {
			s.replyErr(r.req, r.err)
		} else {
			s.log.Debugw("sample failed", "board", r.key.board, "pin", r.key.name, "error", r.err)
		}
		return
	}

	if v, ok := r.value.(types.GPIOValue); ok {
		last, seen := s.levels[r.key]
		if !seen || last != v.Level {
			s.levels[r.key] = v.Level
			level := v.Level
			s.conn.Publish(s.conn.NewMessage(CapTopic(r.key.board, r.key.name, TokValue), v, false))
			s.pubRet(CapTopic(r.key.board, r.key.name, TokState),
				types.CapState{Link: types.LinkUp, Level: &level, TS: now})
		}
	}
	if v, ok := r.value.(types.EnvValue); ok && r.req == nil {
		s.conn.Publish(s.conn.NewMessage(CapTopic(r.key.board, r.key.name, TokValue), v, false))
		s.pubRet(CapTopic(r.key.board, r.key.name, TokState), types.CapState{Link: types.LinkUp, TS: now})
	}
	if r.req != nil {
		s.conn.Reply(r.req, types.ControlReply{OK: true, Result: r.value}, false)
	}
}

// ---- helpers ----

func (s *service) publishState(level, status string, err error) {
	st := types.HALState{Level: level, Status: status, TS: time.Now().UnixMilli()}
	if err != nil {
		st.Error = err.Error()
	}
	s.pubRet(StateTopic(), st)
}

func errWithdrawn() error { return errcode.New(errcode.Closed, "control", "board withdrawn") }

func (s *service) replyErr(req *bus.Message, err error) {
	s.conn.Reply(req, types.ControlReply{Error: string(errcode.Of(err)), Detail: err.Error()}, false)
}

func (s *service) pubRet(t bus.Topic, p any) {
	s.conn.Publish(s.conn.NewMessage(t, p, true))
}
