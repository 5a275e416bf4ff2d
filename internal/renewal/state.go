// Package renewal sequences one free-plan renewal attempt against the panel.
package renewal

import (
	"fmt"

	"renewer/internal/domain"
)

type State string

const (
	StateUnauthenticated  State = "unauthenticated"
	StateLoggingIn        State = "logging_in"
	StateTwoFactorPending State = "two_factor_pending"
	StateAuthenticated    State = "authenticated"
	StateNavigating       State = "navigating"
	StateCaptchaChallenge State = "captcha_challenge"
	StateSubmitting       State = "submitting"
	StateSucceeded        State = "succeeded"
	StateTooEarly         State = "too_early"
	StateFailed           State = "failed"
)

// Terminal reports whether no further event is accepted.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateTooEarly, StateFailed:
		return true
	default:
		return false
	}
}

type Event string

const (
	EventStartLogin        Event = "start_login"
	EventSessionRestored   Event = "session_restored"
	EventTwoFactorRequired Event = "two_factor_required"
	EventLoggedIn          Event = "logged_in"
	EventNavigate          Event = "navigate"
	EventChallengeShown    Event = "challenge_shown"
	EventCodeSubmitted     Event = "code_submitted"
	EventRenewed           Event = "renewed"
	EventTooEarly          Event = "too_early"
	EventFail              Event = "fail"
)

type edge struct {
	from  State
	event Event
}

var transitions = map[edge]State{
	{StateUnauthenticated, EventStartLogin}:      StateLoggingIn,
	{StateUnauthenticated, EventSessionRestored}: StateAuthenticated,
	{StateLoggingIn, EventTwoFactorRequired}:     StateTwoFactorPending,
	{StateLoggingIn, EventLoggedIn}:              StateAuthenticated,
	{StateTwoFactorPending, EventLoggedIn}:       StateAuthenticated,
	{StateAuthenticated, EventNavigate}:          StateNavigating,
	{StateNavigating, EventChallengeShown}:       StateCaptchaChallenge,
	{StateCaptchaChallenge, EventCodeSubmitted}:  StateSubmitting,
	{StateSubmitting, EventRenewed}:              StateSucceeded,
	{StateSubmitting, EventTooEarly}:             StateTooEarly,
}

// Next returns the state reached from s on e. EventFail is accepted from
// every non-terminal state.
func Next(s State, e Event) (State, error) {
	if e == EventFail && !s.Terminal() {
		return StateFailed, nil
	}
	if next, ok := transitions[edge{s, e}]; ok {
		return next, nil
	}
	return s, fmt.Errorf("%w: %s on %s", domain.ErrInvalidTransition, s, e)
}
