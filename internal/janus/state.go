package janus

import (
	"context"
	"errors"

	"github.com/looplab/fsm"
)

// State names a step of the publisher negotiation.
type State string

const (
	StateUninitialized  State = "UNINITIALIZED"
	StateSessionCreated State = "SESSION_CREATED"
	StateHandleAttached State = "HANDLE_ATTACHED"
	StateOfferSent      State = "OFFER_SENT"
	StateAnswerReceived State = "ANSWER_RECEIVED"
	StateFailed         State = "FAILED"
)

const (
	eventSessionCreated = "session_created"
	eventHandleAttached = "handle_attached"
	eventOfferSent      = "offer_sent"
	eventAnswerReceived = "answer_received"
	eventFail           = "fail"
)

// Terminal reports whether no further transition can leave the state.
func (s State) Terminal() bool {
	return s == StateFailed
}

// TransitionFunc observes a completed state change. It runs while the engine
// lock is held and must not call back into the Engine.
type TransitionFunc func(from, to State)

type machine struct {
	fsm *fsm.FSM
}

func newMachine(observe TransitionFunc) *machine {
	callbacks := fsm.Callbacks{}
	if observe != nil {
		callbacks["enter_state"] = func(_ context.Context, e *fsm.Event) {
			observe(State(e.Src), State(e.Dst))
		}
	}
	return &machine{fsm: fsm.NewFSM(
		string(StateUninitialized),
		fsm.Events{
			{Name: eventSessionCreated, Src: []string{string(StateUninitialized)}, Dst: string(StateSessionCreated)},
			{Name: eventHandleAttached, Src: []string{string(StateSessionCreated)}, Dst: string(StateHandleAttached)},
			{Name: eventOfferSent, Src: []string{string(StateHandleAttached)}, Dst: string(StateOfferSent)},
			{Name: eventAnswerReceived, Src: []string{string(StateOfferSent)}, Dst: string(StateAnswerReceived)},
			{Name: eventFail, Src: []string{
				string(StateUninitialized),
				string(StateSessionCreated),
				string(StateHandleAttached),
				string(StateOfferSent),
				string(StateAnswerReceived),
			}, Dst: string(StateFailed)},
		},
		callbacks,
	)}
}

func (m *machine) current() State {
	return State(m.fsm.Current())
}

// fire applies event. The machine's own context is detached from the caller so
// a cancelled request can still record its failure.
func (m *machine) fire(event string) error {
	err := m.fsm.Event(context.Background(), event)
	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return nil
	}
	return err
}

func (m *machine) fail() {
	if m.current().Terminal() {
		return
	}
	_ = m.fire(eventFail)
}
