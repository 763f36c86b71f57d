package hal

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"cynthion-go/bus"
	"cynthion-go/errcode"
	"cynthion-go/peripherals"
	"cynthion-go/services/boards"
	"cynthion-go/transport"
	"cynthion-go/transport/fake"
	"cynthion-go/types"
)

var button = transport.PinLocator{Port: 0, Pin: 1}

type rig struct {
	bus *bus.Bus
	ui  *bus.Connection
	mgr *boards.Manager
	dev *fake.Device
}

func newRig(t *testing.T) *rig {
	t.Helper()
	log := zaptest.NewLogger(t).Sugar()

	reg, err := boards.NewRegistry(boards.Family{Descriptor: boards.Descriptor{
		Name:     "test_board",
		IDs:      []uint8{0x10},
		Versions: []boards.Version{0x1101},
		LEDs:     2,
		GPIO:     map[string]boards.PinLocator{"button": button},
	}})
	if err != nil {
		t.Fatal(err)
	}

	b := bus.NewBus(16)
	mgr := boards.NewManager(reg, boards.WithLogger(log), boards.WithBus(b.NewConnection("boards")))

	d := fake.New(transport.Identity{BoardID: 0x10, Version: 0x1101, Serial: "c0ffee"}, types.APIGPIO, types.APILEDs)
	d.LEDs = 2
	d.Lines = []transport.PinLocator{button}
	d.Interfaces = []transport.InterfaceInfo{{Name: "i2c0", API: types.APII2C, Verbs: []string{"read_write"}}}
	d.I2CRead = aht20Reply
	if _, err := mgr.Attach(context.Background(), d); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go Run(ctx, b.NewConnection("hal"), mgr, WithLogger(log), WithConfig(Config{PollMS: 20}))

	r := &rig{bus: b, ui: b.NewConnection("ui"), mgr: mgr, dev: d}
	r.waitInfo(t, "led1")
	return r
}

func (r *rig) waitInfo(t *testing.T, name string) types.CapInfo {
	t.Helper()
	sub := r.ui.Subscribe(CapTopic("c0ffee", name, TokInfo))
	defer r.ui.Unsubscribe(sub)
	select {
	case m := <-sub.Channel():
		info, ok := m.Payload.(types.CapInfo)
		if !ok {
			t.Fatalf("info payload %T", m.Payload)
		}
		return info
	case <-time.After(time.Second):
		t.Fatalf("no info for %s", name)
	}
	return types.CapInfo{}
}

func (r *rig) request(t *testing.T, name, method string, payload any) types.ControlReply {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	m, err := r.ui.Request(ctx, ControlTopic("c0ffee", name, method), payload)
	if err != nil {
		t.Fatalf("%s/%s: %v", name, method, err)
	}
	rep, ok := m.Payload.(types.ControlReply)
	if !ok {
		t.Fatalf("reply payload %T", m.Payload)
	}
	return rep
}

func TestCapabilitiesPublished(t *testing.T) {
	r := newRig(t)

	info := r.waitInfo(t, "button")
	if info.Kind != types.KindGPIO || info.Board != "c0ffee" {
		t.Fatalf("unexpected info %+v", info)
	}
	if got := r.waitInfo(t, "led0"); got.Kind != types.KindLED {
		t.Fatalf("unexpected info %+v", got)
	}

	sub := r.ui.Subscribe(StateTopic())
	defer r.ui.Unsubscribe(sub)
	select {
	case m := <-sub.Channel():
		if st := m.Payload.(types.HALState); st.Level != "ready" {
			t.Fatalf("hal state %+v", st)
		}
	case <-time.After(time.Second):
		t.Fatal("no hal state")
	}
}

func TestControlLED(t *testing.T) {
	r := newRig(t)

	if rep := r.request(t, "led1", "on", nil); !rep.OK {
		t.Fatalf("on failed: %+v", rep)
	}
	if !r.dev.LEDOn(1) {
		t.Fatal("led1 not lit")
	}
	if rep := r.request(t, "led1", "toggle", nil); !rep.OK {
		t.Fatalf("toggle failed: %+v", rep)
	}
	if r.dev.LEDOn(1) {
		t.Fatal("led1 still lit")
	}
}

func TestControlErrors(t *testing.T) {
	r := newRig(t)

	rep := r.request(t, "led7", "on", nil)
	if rep.OK || rep.Error != string(errcode.NotReady) {
		t.Fatalf("unknown capability: %+v", rep)
	}

	rep = r.request(t, "button", "set", map[string]any{"level": true})
	if rep.OK || rep.Error != string(errcode.Unsupported) {
		t.Fatalf("write to input: %+v", rep)
	}

	rep = r.request(t, "led0", "explode", nil)
	if rep.OK || rep.Error != string(errcode.Unsupported) {
		t.Fatalf("unknown method: %+v", rep)
	}
}

func TestInputSampledOnChange(t *testing.T) {
	r := newRig(t)
	sub := r.ui.Subscribe(CapTopic("c0ffee", "button", TokValue))
	defer r.ui.Unsubscribe(sub)

	next := func() types.GPIOValue {
		t.Helper()
		select {
		case m := <-sub.Channel():
			return m.Payload.(types.GPIOValue)
		case <-time.After(time.Second):
			t.Fatal("no sample")
		}
		return types.GPIOValue{}
	}

	if v := next(); v.Level {
		t.Fatalf("initial level %+v", v)
	}
	r.dev.SetLevel(button, true)
	if v := next(); !v.Level || v.Name != "button" {
		t.Fatalf("after press %+v", v)
	}

	// No change, no message.
	select {
	case m := <-sub.Channel():
		t.Fatalf("unexpected sample %v", m.Payload)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestOutputNotSampled(t *testing.T) {
	r := newRig(t)
	if rep := r.request(t, "button", "configure_output", nil); !rep.OK {
		t.Fatalf("configure_output: %+v", rep)
	}
	sub := r.ui.Subscribe(CapTopic("c0ffee", "button", TokValue))
	defer r.ui.Unsubscribe(sub)
	// Drain a sample that may have raced the direction change.
	time.Sleep(60 * time.Millisecond)
	for len(sub.Channel()) > 0 {
		<-sub.Channel()
	}
	r.dev.SetLevel(button, true)
	select {
	case m := <-sub.Channel():
		t.Fatalf("output sampled: %v", m.Payload)
	case <-time.After(100 * time.Millisecond):
	}
	if rep := r.request(t, "button", "set", map[string]any{"level": false}); !rep.OK {
		t.Fatalf("set: %+v", rep)
	}
	if r.dev.Level(button) {
		t.Fatal("pin still high")
	}
}

func TestBoardWithdrawn(t *testing.T) {
	r := newRig(t)
	c, ok := r.mgr.Lookup("c0ffee")
	if !ok {
		t.Fatal("board not tracked")
	}
	if err := r.mgr.Detach(c); err != nil {
		t.Fatal(err)
	}

	sub := r.ui.Subscribe(CapTopic("c0ffee", "led0", TokState))
	defer r.ui.Unsubscribe(sub)
	dead := time.After(time.Second)
	for {
		select {
		case m := <-sub.Channel():
			if st := m.Payload.(types.CapState); st.Link == types.LinkDown {
				rep := r.request(t, "led0", "on", nil)
				if rep.OK {
					t.Fatal("control accepted after withdrawal")
				}
				return
			}
		case <-time.After(20 * time.Millisecond):
			// Retained state only replays on subscribe.
			r.ui.Unsubscribe(sub)
			sub = r.ui.Subscribe(CapTopic("c0ffee", "led0", TokState))
		case <-dead:
			t.Fatal("capability not withdrawn")
		}
	}
}

func TestConfigMerge(t *testing.T) {
	var cfg Config
	if err := decodeJSON(map[string]any{"poll_ms": 50}, &cfg); err != nil {
		t.Fatal(err)
	}
	got := cfg.merge(DefaultConfig())
	if got.PollMS != 50 || got.TimeoutMS != 1000 || got.QueueLen != 16 {
		t.Fatalf("merge: %+v", got)
	}
	if err := decodeJSON(`{"timeout_ms": 5}`, &cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.timeout() != 10*time.Millisecond {
		t.Fatalf("timeout not clamped: %v", cfg.timeout())
	}
	if err := decodeJSON("{", &cfg); err == nil {
		t.Fatal("expected decode error")
	}
}

// aht20Reply answers as a calibrated AHT20 reading 50 %RH and 25 °C.
func aht20Reply(addr uint16, w []byte, n int) []byte {
	if addr != 0x38 {
		return make([]byte, n)
	}
	if n == 1 {
		return []byte{0x08}
	}
	return []byte{0x08, 0x80, 0x00, 0x06, 0x00, 0x00, 0x00}[:n]
}

func (r *rig) attachEnvSensor(t *testing.T) {
	t.Helper()
	r.ui.Publish(r.ui.NewMessage(bus.T("config", "hal"), Config{Sensors: []SensorConfig{
		{Board: "*", Bus: "i2c0", Type: "aht20", Name: "env", PeriodMS: 100},
		{Board: "*", Bus: "i2c9", Type: "aht20", Name: "missing"},
	}}, false))
	if info := r.waitInfo(t, "env"); info.Kind != types.KindSensor {
		t.Fatalf("sensor info %+v", info)
	}
}

func TestSensorSampled(t *testing.T) {
	r := newRig(t)
	sub := r.ui.Subscribe(CapTopic("c0ffee", "env", TokValue))
	defer r.ui.Unsubscribe(sub)
	r.attachEnvSensor(t)

	select {
	case m := <-sub.Channel():
		v, ok := m.Payload.(types.EnvValue)
		if !ok {
			t.Fatalf("value payload %T", m.Payload)
		}
		if v.DeciC != 250 || v.DeciRH != 500 {
			t.Fatalf("reading %+v", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no sensor reading")
	}

	// A bus the board lacks is skipped.
	none := r.ui.Subscribe(CapTopic("c0ffee", "missing", TokInfo))
	defer r.ui.Unsubscribe(none)
	select {
	case m := <-none.Channel():
		t.Fatalf("unexpected capability %v", m.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSensorReadOnRequest(t *testing.T) {
	r := newRig(t)
	r.attachEnvSensor(t)

	rep := r.request(t, "env", "read", nil)
	if !rep.OK {
		t.Fatalf("read failed: %+v", rep)
	}
	if v, ok := rep.Result.(types.EnvValue); !ok || v.DeciC != 250 {
		t.Fatalf("result %+v", rep.Result)
	}
	if rep := r.request(t, "env", "calibrate", nil); rep.OK || rep.Error != string(errcode.Unsupported) {
		t.Fatalf("unknown method: %+v", rep)
	}
}

func TestSensorsReplacedByConfig(t *testing.T) {
	r := newRig(t)
	r.attachEnvSensor(t)

	sub := r.ui.Subscribe(CapTopic("c0ffee", "env", TokState))
	defer r.ui.Unsubscribe(sub)
	r.ui.Publish(r.ui.NewMessage(bus.T("config", "hal"), Config{Sensors: []SensorConfig{}}, false))

	deadline := time.After(time.Second)
	for {
		select {
		case m := <-sub.Channel():
			if st, ok := m.Payload.(types.CapState); ok && st.Link == types.LinkDown {
				return
			}
		case <-deadline:
			t.Fatal("sensor not withdrawn")
		}
	}
}

func TestDropBoardAnswersQueuedRequests(t *testing.T) {
	b := bus.NewBus(16)
	s := &service{
		conn:    b.NewConnection("hal"),
		log:     zaptest.NewLogger(t).Sugar(),
		cfg:     DefaultConfig(),
		caps:    map[capKey]peripherals.Peripheral{},
		workers: map[string]*worker{},
		levels:  map[capKey]bool{},
		due:     map[capKey]time.Time{},
		results: make(chan result, 4),
	}
	ui := b.NewConnection("ui")

	// Never started, so every submitted job is still queued when the
	// board goes away.
	w := newWorker(s.cfg, s.results)
	s.workers["c0ffee"] = w
	key := capKey{board: "c0ffee", name: "led0"}
	s.caps[key] = nil

	var subs []*bus.Subscription
	for i := range 2 {
		req := ui.NewMessage(ControlTopic("c0ffee", "led0", "on"), nil, false)
		req.ReplyTo = bus.T(bus.TokReply, "ui", i+1)
		subs = append(subs, ui.Subscribe(req.ReplyTo))
		if !w.Submit(job{key: key, method: "on", req: req}) {
			t.Fatal("queue full")
		}
	}
	if !w.Submit(job{key: key, method: methodPoll}) {
		t.Fatal("queue full")
	}

	s.dropBoard("c0ffee")

	for i, sub := range subs {
		select {
		case m := <-sub.Channel():
			rep, ok := m.Payload.(types.ControlReply)
			if !ok || rep.OK || rep.Error != string(errcode.Closed) {
				t.Fatalf("request %d: reply %+v", i, m.Payload)
			}
		case <-time.After(time.Second):
			t.Fatalf("request %d never answered", i)
		}
	}
	if n := len(w.Drain()); n != 0 {
		t.Fatalf("%d jobs left queued", n)
	}
	if _, ok := s.workers["c0ffee"]; ok {
		t.Fatal("worker kept")
	}
}
