package hal

import (
	"cynthion-go/bus"
	"cynthion-go/peripherals"
)

// Topic tokens
const (
	TokHAL     = "hal"
	TokCap     = "capability"
	TokState   = "state"
	TokInfo    = "info"
	TokValue   = "value"
	TokControl = "control"
)

// CapTopic is hal/capability/<board>/<name>/<rest...>.
func CapTopic(board, name string, rest ...bus.Token) bus.Topic {
	return append(bus.T(TokHAL, TokCap, board, name), rest...)
}

// ControlTopic addresses method on one peripheral.
func ControlTopic(board, name, method string) bus.Topic {
	return CapTopic(board, name, TokControl, method)
}

func StateTopic() bus.Topic { return bus.T(TokHAL, TokState) }

// Polled GPIO inputs use this method name internally.
const methodPoll = "_poll"

type capKey struct {
	board string
	name  string
}

// job is one peripheral call queued on a board worker.
type job struct {
	key     capKey
	p       peripherals.Peripheral
	method  string
	payload any
	req     *bus.Message // nil for internal polls
}

type result struct {
	job
	value any
	err   error
}
