package pop3

// State represents the POP3 dialogue phase the relay believes the
// connection to be in, inferred by watching commands and the real
// server's replies go by. The proxy never drives these transitions
// itself; it only follows along so it knows when STLS is legal and
// when a session has ended.
type State int

const (
	// StateAuthorization is the phase before a successful login.
	StateAuthorization State = iota

	// StateTransaction is the phase after a successful login.
	StateTransaction

	// StateUpdate is the phase after QUIT from Transaction.
	StateUpdate
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateAuthorization:
		return "AUTHORIZATION"
	case StateTransaction:
		return "TRANSACTION"
	case StateUpdate:
		return "UPDATE"
	default:
		return "UNKNOWN"
	}
}

// TLSState represents the observed TLS protection state of the connection.
type TLSState int

const (
	// TLSStateNone indicates no TLS protection (plain POP3 before STLS).
	TLSStateNone TLSState = iota

	// TLSStateActive indicates TLS is active, whether from implicit POP3S
	// or a STLS upgrade the proxy intercepted.
	TLSStateActive
)

// String returns the string representation of the TLS state.
func (ts TLSState) String() string {
	switch ts {
	case TLSStateNone:
		return "NONE"
	case TLSStateActive:
		return "ACTIVE"
	default:
		return "UNKNOWN"
	}
}

// Observer tracks the relay-relevant state of one POP3/POP3S flow: the
// dialogue phase, whether TLS is active, the username the client has
// claimed (for content logging), and whether a STLS upgrade is pending
// the real server's reply. It never answers the client; the proxy's
// POP3 handler consults it to decide when to intercept a STLS
// handshake and what identity to pass to the content logger.
type Observer struct {
	state    State
	tlsState TLSState

	// stlsPending is true after the client sends STLS and before the
	// server's reply has been observed. It resolves to a TLS upgrade on
	// "+OK" and stays plaintext on "-ERR".
	stlsPending bool

	username string
}

// NewObserver creates an Observer for a connection that starts in plain
// POP3 (isImplicitTLS=false) or implicit POP3S (isImplicitTLS=true).
func NewObserver(isImplicitTLS bool) *Observer {
	tlsState := TLSStateNone
	if isImplicitTLS {
		tlsState = TLSStateActive
	}
	return &Observer{state: StateAuthorization, tlsState: tlsState}
}

// State returns the believed POP3 dialogue phase.
func (o *Observer) State() State { return o.state }

// TLSState returns the observed TLS state.
func (o *Observer) TLSState() TLSState { return o.tlsState }

// IsTLSActive reports whether TLS is currently believed active.
func (o *Observer) IsTLSActive() bool { return o.tlsState == TLSStateActive }

// SetTLSActive marks TLS as active, called once the proxy completes its
// own intercepted STLS handshake with the client.
func (o *Observer) SetTLSActive() {
	o.tlsState = TLSStateActive
	o.stlsPending = false
}

// CanSTLS reports whether STLS is a legal command to observe right now:
// only in Authorization phase, before TLS is active.
func (o *Observer) CanSTLS() bool {
	return o.state == StateAuthorization && o.tlsState == TLSStateNone
}

// ObserveClientLine updates state from a line sent by the client.
// cmdName must already be upper-cased, as returned by ParseCommand.
func (o *Observer) ObserveClientLine(cmdName string, args []string) {
	switch cmdName {
	case "STLS":
		if o.CanSTLS() {
			o.stlsPending = true
		}
	case "USER":
		if len(args) > 0 {
			o.username = args[0]
		}
	case "QUIT":
		if o.state == StateTransaction {
			o.state = StateUpdate
		}
	}
}

// ObserveServerLine updates state from a line sent by the real server in
// reply to the most recent client command. It reports whether this
// reply just confirmed a pending STLS upgrade, telling the handler to
// now perform its own TLS handshake with the client instead of relaying
// further bytes on this flow in cleartext.
func (o *Observer) ObserveServerLine(cmdName, line string) (stlsConfirmed bool) {
	if o.stlsPending {
		o.stlsPending = false
		return IsPositiveReply(line)
	}
	if (cmdName == "PASS" || cmdName == "APOP" || cmdName == "AUTH") &&
		o.state == StateAuthorization && IsPositiveReply(line) {
		o.state = StateTransaction
	}
	return false
}

// Username returns the most recently observed claimed username, or ""
// if none has been seen yet.
func (o *Observer) Username() string { return o.username }
