package hal

import (
	"encoding/json"
	"time"

	"github.com/samber/lo"
)

// Config arrives as JSON (or an equivalent map) on config/hal.
type Config struct {
	PollMS    int `json:"poll_ms"`    // GPIO input sampling period
	TimeoutMS int `json:"timeout_ms"` // per control call
	QueueLen  int `json:"queue_len"`  // per-board request queue

	// Sensors replaces the attached sensor set when present.
	Sensors []SensorConfig `json:"sensors,omitempty"`
}

func (c Config) poll() time.Duration {
	return time.Duration(lo.Clamp(c.PollMS, 20, 60_000)) * time.Millisecond
}

func (c Config) timeout() time.Duration {
	return time.Duration(lo.Clamp(c.TimeoutMS, 10, 30_000)) * time.Millisecond
}

func (c Config) queueLen() int { return lo.Clamp(c.QueueLen, 1, 256) }

// DefaultConfig is used until config/hal says otherwise.
func DefaultConfig() Config {
	return Config{PollMS: 200, TimeoutMS: 1000, QueueLen: 16}
}

// merge keeps the current value for every field left unset in c.
func (c Config) merge(cur Config) Config {
	if c.PollMS == 0 {
		c.PollMS = cur.PollMS
	}
	if c.TimeoutMS == 0 {
		c.TimeoutMS = cur.TimeoutMS
	}
	if c.QueueLen == 0 {
		c.QueueLen = cur.QueueLen
	}
	if c.Sensors == nil {
		c.Sensors = cur.Sensors
	}
	return c
}

func decodeJSON[T any](src any, dst *T) error {
	switch v := src.(type) {
	case T:
		*dst = v
		return nil
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	default:
		// Maps and structs go through a JSON round trip.
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return json.Unmarshal(b, dst)
	}
}
