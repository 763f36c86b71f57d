package boards

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/lo"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"cynthion-go/bus"
	"cynthion-go/errcode"
	"cynthion-go/transport"
	"cynthion-go/types"
)

// Manager selects a family for each attached device, runs its
// initialization and tracks the resulting connections.
type Manager struct {
	reg      atomic.Pointer[Registry]
	log      *zap.SugaredLogger
	pub      *bus.Connection
	parallel int

	mu    sync.Mutex
	conns []*Connection
}

type Option func(*Manager)

func WithLogger(l *zap.SugaredLogger) Option { return func(m *Manager) { m.log = l } }

// WithBus publishes lifecycle state on conn.
func WithBus(conn *bus.Connection) Option { return func(m *Manager) { m.pub = conn } }

// WithParallelism bounds concurrent attaches in AttachAll; n <= 0 is unbounded.
func WithParallelism(n int) Option { return func(m *Manager) { m.parallel = n } }

func NewManager(reg *Registry, opts ...Option) *Manager {
	m := &Manager{log: zap.NewNop().Sugar()}
	for _, o := range opts {
		o(m)
	}
	m.SetRegistry(reg)
	return m
}

func (m *Manager) Registry() *Registry { return m.reg.Load() }

// SetRegistry swaps the registry used by later attaches. Existing
// connections keep the family they were matched to.
func (m *Manager) SetRegistry(r *Registry) {
	if r == nil {
		r = &Registry{}
	}
	for _, name := range r.Unselectable() {
		m.log.Warnw("family accepts no ids or versions and can never match", "family", name)
	}
	m.reg.Store(r)
}

// Attach identifies dev, selects its family and initializes it. The manager
// owns dev from here on: on any failure dev is closed and no connection is
// returned.
func (m *Manager) Attach(ctx context.Context, dev transport.Device) (*Connection, error) {
	id, err := dev.Identity(ctx)
	if err != nil {
		_ = dev.Close()
		return nil, errcode.Wrap(errcode.TransportError, "attach", err)
	}
	log := m.log.With("board", id.Name())

	fam, err := m.Registry().Select(id.BoardID, Version(id.Version))
	if err != nil {
		log.Warnw("no compatible board driver", "board_id", id.BoardID, "version", Version(id.Version).String())
		m.publishState(id.Name(), types.BoardState{
			Level: types.LevelFailed, BoardID: id.BoardID, Version: Version(id.Version).String(), Error: string(errcode.Of(err)),
		})
		_ = dev.Close()
		return nil, err
	}
	log.Infow("matched", "family", fam.Name, "board_name", fam.BoardName)

	c := NewConnection(fam, dev, id, WithConnLogger(m.log), WithStateHook(m.onState))

	// Tracked before initialization so observers of the ready state can
	// look it up.
	m.mu.Lock()
	m.conns = append(m.conns, c)
	m.mu.Unlock()
	m.onState(c, StateIdentified, nil)

	if err := c.Initialize(ctx); err != nil {
		m.forget(c)
		// A connection closed while initializing has already released dev.
		if c.State() == StateClosed {
			return nil, err
		}
		if cerr := dev.Close(); cerr != nil {
			log.Warnw("closing device after failed initialization", "error", cerr)
		}
		return nil, err
	}
	return c, nil
}

// AttachAll attaches devices concurrently. Each device succeeds or fails on
// its own; the returned error combines every failure.
func (m *Manager) AttachAll(ctx context.Context, devs []transport.Device) ([]*Connection, error) {
	conns := make([]*Connection, len(devs))
	errs := make([]error, len(devs))

	var g errgroup.Group
	if m.parallel > 0 {
		g.SetLimit(m.parallel)
	}
	for i, d := range devs {
		g.Go(func() error {
			conns[i], errs[i] = m.Attach(ctx, d)
			return nil
		})
	}
	_ = g.Wait()

	return lo.Compact(conns), multierr.Combine(errs...)
}

// Connections returns the tracked connections in attach order, including
// any still initializing.
func (m *Manager) Connections() []*Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Connection(nil), m.conns...)
}

// Lookup finds a tracked connection by board name.
func (m *Manager) Lookup(name string) (*Connection, bool) {
	return lo.Find(m.Connections(), func(c *Connection) bool { return c.Name() == name })
}

// Detach closes c and forgets it.
func (m *Manager) Detach(c *Connection) error {
	m.forget(c)
	return c.Close()
}

func (m *Manager) forget(c *Connection) {
	m.mu.Lock()
	m.conns = lo.Without(m.conns, c)
	m.mu.Unlock()
}

// Close detaches every connection.
func (m *Manager) Close() error {
	var err error
	for _, c := range m.Connections() {
		err = multierr.Append(err, m.Detach(c))
	}
	return err
}

func (m *Manager) onState(c *Connection, s State, err error) {
	st := types.BoardState{
		Level:   s.Level(),
		Family:  c.family.Name,
		Board:   c.family.BoardName,
		BoardID: c.identity.BoardID,
		Version: c.Version().String(),
	}
	if err != nil {
		st.Error = string(errcode.Of(err))
	}
	m.publishState(c.Name(), st)

	if m.pub == nil {
		return
	}
	switch s {
	case StateReady:
		m.pub.Publish(m.pub.NewMessage(InfoTopic(c.Name()), c.Info(), true))
	case StateFailed, StateClosed:
		m.pub.Publish(m.pub.NewMessage(InfoTopic(c.Name()), nil, true))
	}
}

func (m *Manager) publishState(name string, st types.BoardState) {
	if m.pub == nil {
		return
	}
	st.TS = time.Now().UnixMilli()
	m.pub.Publish(m.pub.NewMessage(StateTopic(name), st, true))
}
