package isolate

import "go.uber.org/zap"

// State is the lifecycle position of a single isolated load.
type State int

const (
	StateIdle State = iota
	StateSpawned
	StateAwaitingResult
	StateSucceeded
	StateFailed
	StateJoined
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSpawned:
		return "spawned"
	case StateAwaitingResult:
		return "awaiting_result"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateJoined:
		return "joined"
	default:
		return "unknown"
	}
}

// session tracks one Run call.
type session struct {
	state  State
	logger *zap.Logger
}

func (s *session) transition(next State, fields ...zap.Field) {
	prev := s.state
	s.state = next
	s.logger.Debug("config reader state changed",
		append([]zap.Field{
			zap.Stringer("from", prev),
			zap.Stringer("state", next),
		}, fields...)...)
}
