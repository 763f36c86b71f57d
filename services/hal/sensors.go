package hal

import (
	"context"
	"sync"
	"time"

	"github.com/samber/lo"

	"cynthion-go/drivers/aht20"
	"cynthion-go/errcode"
	"cynthion-go/peripherals"
	"cynthion-go/services/boards"
	"cynthion-go/types"
)

// SensorConfig attaches an I2C sensor to a board's I2C interface, e.g.
// {"board":"*","bus":"i2c0","type":"aht20","name":"env"}.
type SensorConfig struct {
	Board    string `json:"board"` // board name, "*" for every board
	Bus      string `json:"bus"`
	Type     string `json:"type"`
	Name     string `json:"name"`
	Addr     uint16 `json:"addr,omitempty"`
	PeriodMS int    `json:"period_ms,omitempty"`
}

func (sc SensorConfig) period() time.Duration {
	if sc.PeriodMS == 0 {
		return 2 * time.Second
	}
	return time.Duration(lo.Clamp(sc.PeriodMS, 100, 3_600_000)) * time.Millisecond
}

func (sc SensorConfig) appliesTo(board string) bool {
	return sc.Board == "*" || sc.Board == board
}

// envSensor exposes an AHT20 on a board bus as a capability.
type envSensor struct {
	cfg SensorConfig
	dev *aht20.Device

	mu         sync.Mutex
	configured bool
}

var _ peripherals.Peripheral = (*envSensor)(nil)

func newEnvSensor(b *peripherals.I2CBus, sc SensorConfig) *envSensor {
	return &envSensor{cfg: sc, dev: aht20.New(b, aht20.Config{Address: sc.Addr})}
}

func (e *envSensor) Name() string     { return e.cfg.Name }
func (e *envSensor) Kind() types.Kind { return types.KindSensor }

func (e *envSensor) Info() map[string]any {
	return map[string]any{
		"type":      e.cfg.Type,
		"bus":       e.cfg.Bus,
		"addr":      e.dev.Address(),
		"period_ms": e.cfg.period().Milliseconds(),
	}
}

// Control supports "read".
func (e *envSensor) Control(ctx context.Context, method string, _ any) (any, error) {
	if method != "read" {
		return nil, errcode.Unsupported
	}
	return e.read(ctx)
}

func (e *envSensor) read(ctx context.Context) (types.EnvValue, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.configured {
		if err := e.dev.Configure(ctx); err != nil {
			return types.EnvValue{}, errcode.Wrap(errcode.TransportError, "aht20 configure", err)
		}
		e.configured = true
	}
	s, err := e.dev.Read(ctx)
	if err != nil {
		return types.EnvValue{}, errcode.Wrap(errcode.TransportError, "aht20 read", err)
	}
	return types.EnvValue{
		Name:    e.cfg.Name,
		DeciC:   s.DeciCelsius(),
		DeciRH:  s.DeciRelHumidity(),
		TakenMS: time.Now().UnixMilli(),
	}, nil
}

func (e *envSensor) Close() error { return nil }

// attachSensors exposes every configured sensor that applies to the board.
func (s *service) attachSensors(name string, c *boards.Connection) {
	now := time.Now()
	for _, sc := range s.cfg.Sensors {
		if !sc.appliesTo(name) {
			continue
		}
		log := s.log.With("board", name, "sensor", sc.Name)
		if sc.Type != "aht20" {
			log.Warnw("unsupported sensor type", "type", sc.Type)
			continue
		}
		b, ok := c.I2C(sc.Bus)
		if !ok {
			log.Warnw("board has no such i2c bus", "bus", sc.Bus)
			continue
		}
		key := capKey{board: name, name: sc.Name}
		if _, dup := s.caps[key]; dup {
			log.Warnw("sensor name collides with a capability")
			continue
		}
		p := newEnvSensor(b, sc)
		s.caps[key] = p
		s.due[key] = now
		s.pubRet(CapTopic(name, sc.Name, TokInfo), types.CapInfo{
			Board: name, Name: sc.Name, Kind: p.Kind(), Info: p.Info(),
		})
		s.pubRet(CapTopic(name, sc.Name, TokState), types.CapState{Link: types.LinkUp, TS: now.UnixMilli()})
		log.Infow("sensor attached", "bus", sc.Bus)
	}
}

// detachSensors withdraws the board's sensors, leaving its peripherals.
func (s *service) detachSensors(name string) {
	now := time.Now().UnixMilli()
	for key, p := range s.caps {
		if _, ok := p.(*envSensor); !ok || key.board != name {
			continue
		}
		s.pubRet(CapTopic(name, key.name, TokInfo), nil)
		s.pubRet(CapTopic(name, key.name, TokState), types.CapState{Link: types.LinkDown, TS: now})
		delete(s.caps, key)
		delete(s.due, key)
	}
}

// resyncSensors rebuilds sensors on every exposed board after a config change.
func (s *service) resyncSensors() {
	for name := range s.workers {
		s.detachSensors(name)
		if c, ok := s.boards.Lookup(name); ok {
			s.attachSensors(name, c)
		}
	}
}
