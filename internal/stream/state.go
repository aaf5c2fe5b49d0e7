package stream

import "fmt"

// State 会话生命周期状态
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateStreaming  State = "streaming"
	StateCompleted  State = "completed"
	StateError      State = "error"
	StateCancelled  State = "cancelled"
	// StateDegraded 鉴权失败时以本地兜底内容结束
	StateDegraded State = "degraded"
)

// Transition 状态迁移动作
type Transition string

const (
	TransitionStart   Transition = "start"
	TransitionOpen    Transition = "open"
	TransitionDone    Transition = "done"
	TransitionFail    Transition = "fail"
	TransitionCancel  Transition = "cancel"
	TransitionRetry   Transition = "retry"
	TransitionDegrade Transition = "degrade"
	TransitionReset   Transition = "reset"
)

var transitionTable = map[State]map[Transition]State{
	StateIdle: {
		TransitionStart: StateConnecting,
		TransitionReset: StateIdle,
	},
	StateConnecting: {
		TransitionOpen:    StateStreaming,
		TransitionFail:    StateError,
		TransitionCancel:  StateCancelled,
		TransitionDegrade: StateDegraded,
		TransitionReset:   StateIdle,
	},
	StateStreaming: {
		TransitionDone:    StateCompleted,
		TransitionFail:    StateError,
		TransitionCancel:  StateCancelled,
		TransitionDegrade: StateDegraded,
		TransitionReset:   StateIdle,
	},
	StateCompleted: {
		TransitionStart: StateConnecting,
		TransitionRetry: StateConnecting,
		TransitionReset: StateIdle,
	},
	StateError: {
		TransitionStart: StateConnecting,
		TransitionRetry: StateConnecting,
		TransitionReset: StateIdle,
	},
	StateCancelled: {
		TransitionStart: StateConnecting,
		TransitionReset: StateIdle,
	},
	StateDegraded: {
		TransitionStart: StateConnecting,
		TransitionReset: StateIdle,
	},
}

// Next 纯函数状态迁移，非法迁移返回 ErrInvalidTransition
func Next(from State, t Transition) (State, error) {
	if to, ok := transitionTable[from][t]; ok {
		return to, nil
	}
	return from, fmt.Errorf("%w: %s --%s-->", ErrInvalidTransition, from, t)
}

// Active 连接中或接收中
func (s State) Active() bool {
	return s == StateConnecting || s == StateStreaming
}

// Terminal 已结束的状态
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateError, StateCancelled, StateDegraded:
		return true
	}
	return false
}

// Retryable 可以重发上一次请求的状态
func (s State) Retryable() bool {
	_, ok := transitionTable[s][TransitionRetry]
	return ok
}
