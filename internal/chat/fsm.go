package chat

import (
	"github.com/qmuntal/stateless"
)

// Turn FSM states
type TurnState stateless.State

var (
	TurnIdle    TurnState = "Idle"
	TurnSending TurnState = "Sending" // exactly one request in flight
)

// Turn FSM triggers
type TurnTrigger stateless.Trigger

var (
	TriggerSubmit        TurnTrigger = "Submit"
	TriggerReplyReceived TurnTrigger = "ReplyReceived"
	TriggerRequestFailed TurnTrigger = "RequestFailed"
)

// newTurnMachine wires the turn lifecycle:
//
//	Idle --Submit--> Sending --ReplyReceived|RequestFailed--> Idle
//
// Submit is only permitted from Idle, which makes the machine the single-flight guard.
// Actions run synchronously inside Fire, under the session lock.
func (s *Session) newTurnMachine() *stateless.StateMachine {
	fsm := stateless.NewStateMachineWithMode(TurnIdle, stateless.FiringImmediate)

	fsm.Configure(TurnIdle).
		Permit(TriggerSubmit, TurnSending).
		OnEntryFrom(TriggerReplyReceived, s.onReplyReceived).
		OnEntryFrom(TriggerRequestFailed, s.onRequestFailed)

	fsm.Configure(TurnSending).
		OnEntryFrom(TriggerSubmit, s.onSubmit).
		Permit(TriggerReplyReceived, TurnIdle).
		Permit(TriggerRequestFailed, TurnIdle)

	return fsm
}
