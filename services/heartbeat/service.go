// Package heartbeat probes attached boards and detaches the ones that stop
// answering.
package heartbeat

import (
	"context"
	"time"

	"go.uber.org/zap"

	"cynthion-go/bus"
	"cynthion-go/services/boards"
)

var topicConfigHeartbeat = bus.T("config", "heartbeat")

// Fleet is the part of boards.Manager the heartbeat needs.
type Fleet interface {
	Connections() []*boards.Connection
	Detach(c *boards.Connection) error
}

// Config arrives on config/heartbeat, e.g. {"interval": 2, "misses": 3}.
type Config struct {
	Interval time.Duration
	Misses   int // consecutive failed probes before a board is detached
	Timeout  time.Duration
}

func DefaultConfig() Config {
	return Config{Interval: 2 * time.Second, Misses: 3, Timeout: 500 * time.Millisecond}
}

type Service struct {
	Fleet Fleet
	Log   *zap.SugaredLogger
	Cfg   Config

	misses map[*boards.Connection]int
}

func (s *Service) serviceLoop(ctx context.Context, conn *bus.Connection) {
	cfgSub := conn.Subscribe(topicConfigHeartbeat)
	defer conn.Unsubscribe(cfgSub)

	tick := time.NewTicker(s.Cfg.Interval)
	defer tick.Stop()

	// loop until context is cancelled, respond to tick and config changes
	for {
		select {
		case <-ctx.Done():
			s.Log.Infow("heartbeat stopping")
			return
		case <-tick.C:
			s.probe(ctx)
		case msg := <-cfgSub.Channel():
			m, ok := msg.Payload.(map[string]any)
			if !ok {
				continue
			}
			if iv, ok := m["interval"].(float64); ok && iv > 0 {
				s.Cfg.Interval = time.Duration(iv * float64(time.Second))
				tick.Reset(s.Cfg.Interval)
			}
			if n, ok := m["misses"].(float64); ok && n >= 1 {
				s.Cfg.Misses = int(n)
			}
			s.Log.Infow("heartbeat configured", "interval", s.Cfg.Interval, "misses", s.Cfg.Misses)
		}
	}
}

// probe pings every ready board once.
func (s *Service) probe(ctx context.Context) {
	live := map[*boards.Connection]bool{}
	for _, c := range s.Fleet.Connections() {
		if c.State() != boards.StateReady {
			continue
		}
		live[c] = true

		pctx, cancel := context.WithTimeout(ctx, s.Cfg.Timeout)
		err := c.Ping(pctx)
		cancel()
		if err == nil {
			if s.misses[c] > 0 {
				s.Log.Infow("board answering again", "board", c.Name())
			}
			s.misses[c] = 0
			continue
		}

		s.misses[c]++
		s.Log.Warnw("board missed heartbeat", "board", c.Name(), "misses", s.misses[c], "error", err)
		if s.misses[c] >= s.Cfg.Misses {
			s.Log.Errorw("board unresponsive, detaching", "board", c.Name())
			if err := s.Fleet.Detach(c); err != nil {
				s.Log.Warnw("detach", "board", c.Name(), "error", err)
			}
			delete(live, c)
		}
	}
	for c := range s.misses {
		if !live[c] {
			delete(s.misses, c)
		}
	}
}

// Start the heartbeat service.
func (s *Service) Start(ctx context.Context, conn *bus.Connection) error {
	if s.Log == nil {
		s.Log = zap.NewNop().Sugar()
	}
	def := DefaultConfig()
	if s.Cfg.Interval <= 0 {
		s.Cfg.Interval = def.Interval
	}
	if s.Cfg.Misses <= 0 {
		s.Cfg.Misses = def.Misses
	}
	if s.Cfg.Timeout <= 0 {
		s.Cfg.Timeout = def.Timeout
	}
	s.misses = map[*boards.Connection]int{}
	go s.serviceLoop(ctx, conn)
	return nil
}
