package types

// ---- Board lifecycle (retained on board/<id>/state) ----

// Level is the coarse lifecycle stage of a board connection.
type Level string

const (
	LevelIdentified Level = "identified"
	LevelBaseReady  Level = "base_ready"
	LevelReady      Level = "ready"
	LevelFailed     Level = "failed"
	LevelClosed     Level = "closed"
)

type BoardState struct {
	Level   Level  `json:"level"`
	Family  string `json:"family,omitempty"`
	Board   string `json:"board_name,omitempty"`
	BoardID uint8  `json:"board_id"`
	Version string `json:"version,omitempty"`
	Error   string `json:"error,omitempty"` // machine-readable short code
	TS      int64  `json:"ts_ms"`
}

// ---- Board info ----

// BoardInfo is the identity summary published once a board is ready.
type BoardInfo struct {
	Serial      string       `json:"serial"`
	Family      string       `json:"family"`
	BoardName   string       `json:"board_name"`
	BoardID     uint8        `json:"board_id"`
	Version     string       `json:"version"`
	Firmware    string       `json:"firmware,omitempty"`
	APIs        []API        `json:"apis"`
	Peripherals map[Kind]int `json:"peripherals"`
}

// ---- LED payloads ----

type LEDValue struct {
	Index int  `json:"index"`
	On    bool `json:"on"`
}

// ---- GPIO payloads ----

type GPIOValue struct {
	Name  string `json:"name"`
	Level bool   `json:"level"`
}

// ---- Sensor payloads ----

// EnvValue is one temperature/humidity reading in tenths of a unit.
type EnvValue struct {
	Name    string `json:"name"`
	DeciC   int32  `json:"deci_c"`
	DeciRH  int32  `json:"deci_rh"`
	TakenMS int64  `json:"ts_ms"`
}

// ---- Descriptor table (retained on config/families) ----

// FamilySummary is the published form of one board family.
type FamilySummary struct {
	Name      string            `json:"name" yaml:"name"`
	BoardName string            `json:"board_name" yaml:"board_name"`
	IDs       []uint8           `json:"ids" yaml:"ids"`
	Versions  []string          `json:"versions" yaml:"versions"`
	LEDs      int               `json:"leds" yaml:"leds"`
	GPIO      map[string]string `json:"gpio,omitempty" yaml:"gpio,omitempty"`
}

// ---- HAL (retained on hal/state and hal/capability/<board>/<name>/...) ----

type HALState struct {
	Level  string `json:"level"` // "ready", "stopped"
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
	TS     int64  `json:"ts_ms"`
}

// CapInfo describes one peripheral exposed on the bus.
type CapInfo struct {
	Board string         `json:"board"`
	Name  string         `json:"name"`
	Kind  Kind           `json:"kind"`
	Info  map[string]any `json:"info,omitempty"`
}

// Link states of a capability.
const (
	LinkUp       = "up"
	LinkDegraded = "degraded"
	LinkDown     = "down"
)

type CapState struct {
	Link  string `json:"link"`
	Level *bool  `json:"level,omitempty"` // last sampled GPIO level
	Error string `json:"error,omitempty"`
	TS    int64  `json:"ts_ms"`
}

// ControlReply answers a control request.
type ControlReply struct {
	OK     bool   `json:"ok"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"` // errcode string
	Detail string `json:"detail,omitempty"`
}
