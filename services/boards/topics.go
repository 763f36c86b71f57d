package boards

import "cynthion-go/bus"

// Topic tokens
const (
	TokBoard = "board"
	TokState = "state"
	TokInfo  = "info"
)

// StateTopic is board/<name>/state (retained types.BoardState).
func StateTopic(name string) bus.Topic { return bus.T(TokBoard, name, TokState) }

// InfoTopic is board/<name>/info (retained types.BoardInfo while ready).
func InfoTopic(name string) bus.Topic { return bus.T(TokBoard, name, TokInfo) }

// AllStates matches every board's state topic.
func AllStates() bus.Topic { return bus.T(TokBoard, bus.Wild, TokState) }
