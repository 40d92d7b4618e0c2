package inbound

type state int

const (
	stateIdle state = iota
	stateGreeted
	stateHasSender
	stateHasRecipient
	stateReceivingBody
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateGreeted:
		return "greeted"
	case stateHasSender:
		return "has_sender"
	case stateHasRecipient:
		return "has_recipient"
	case stateReceivingBody:
		return "receiving_body"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// stateMachine holds one session's protocol state and the envelope of the
// open transaction.
type stateMachine struct {
	state      state
	sender     string // empty for the null sender <>
	recipients []string
}

// inTransaction reports whether MAIL has been accepted and not yet completed.
func (m *stateMachine) inTransaction() bool {
	return m.state == stateHasSender || m.state == stateHasRecipient || m.state == stateReceivingBody
}

// reset drops the envelope and moves to next.
func (m *stateMachine) reset(next state) {
	m.state = next
	m.sender = ""
	m.recipients = nil
}

func (m *stateMachine) mail(sender string) {
	m.reset(stateHasSender)
	m.sender = sender
}

func (m *stateMachine) rcpt(recipient string) {
	m.recipients = append(m.recipients, recipient)
	m.state = stateHasRecipient
}

func (m *stateMachine) beginData() {
	m.state = stateReceivingBody
}

// abortData returns to HasRecipient with the envelope kept.
func (m *stateMachine) abortData() {
	m.state = stateHasRecipient
}

// completeData finishes the transaction.
func (m *stateMachine) completeData() {
	m.reset(stateIdle)
}

func (m *stateMachine) close() {
	m.reset(stateClosed)
}
