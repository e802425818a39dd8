package telnet

// maxSubnegotiation bounds how much of a single SB ... SE block is retained.
// Bytes past the limit are dropped until SE arrives.
const maxSubnegotiation = 1024

type inputState int

const (
	stateData inputState = iota
	stateIAC
	stateVerb
	stateSB
	stateSBData
	stateSBIAC
)

// Negotiator parses an incoming Telnet byte stream, answers option negotiation
// according to a fixed client policy, and separates terminal data from protocol
// traffic.
//
// Policy:
//   - DO NAWS, DO TTYPE, DO SGA are accepted (WILL); any other DO is refused (WONT).
//   - WILL ECHO, WILL SGA are accepted (DO); any other WILL is refused (DONT).
//   - DONT/WONT are acknowledged only when they change an enabled option.
//   - SB TTYPE SEND is answered with SB TTYPE IS <terminal type>.
//
// A Negotiator is not safe for concurrent use; it belongs to the connection's
// driver goroutine.
type Negotiator struct {
	termType string

	state    inputState
	verb     byte
	sbOption byte
	sbBuf    []byte

	local  [256]bool // options we perform (we said WILL)
	remote [256]bool // options the peer performs (we said DO)

	terminalTypeSent bool
}

// NewNegotiator creates a negotiator that reports termType when the server asks
// for the terminal type.
func NewNegotiator(termType string) *Negotiator {
	if termType == "" {
		termType = "xterm-256color"
	}
	return &Negotiator{termType: termType}
}

// ProcessIncoming consumes a chunk of bytes from the network. It returns the
// protocol replies that must be written to the peer (before any further
// application data) and the terminal data with every IAC sequence removed.
// Sequences split across chunks are resumed on the next call.
func (n *Negotiator) ProcessIncoming(data []byte) (reply, clean []byte) {
	clean = make([]byte, 0, len(data))

	for _, b := range data {
		switch n.state {
		case stateData:
			if b == IAC {
				n.state = stateIAC
				continue
			}
			clean = append(clean, b)

		case stateIAC:
			switch b {
			case IAC:
				clean = append(clean, IAC)
				n.state = stateData
			case WILL, WONT, DO, DONT:
				n.verb = b
				n.state = stateVerb
			case SB:
				n.state = stateSB
			default:
				// NOP, GA, DM, AYT and friends carry no terminal data.
				n.state = stateData
			}

		case stateVerb:
			reply = append(reply, n.negotiate(n.verb, b)...)
			n.state = stateData

		case stateSB:
			n.sbOption = b
			n.sbBuf = n.sbBuf[:0]
			n.state = stateSBData

		case stateSBData:
			if b == IAC {
				n.state = stateSBIAC
				continue
			}
			if len(n.sbBuf) < maxSubnegotiation {
				n.sbBuf = append(n.sbBuf, b)
			}

		case stateSBIAC:
			switch b {
			case IAC:
				if len(n.sbBuf) < maxSubnegotiation {
					n.sbBuf = append(n.sbBuf, IAC)
				}
				n.state = stateSBData
			case SE:
				reply = append(reply, n.subnegotiate(n.sbOption, n.sbBuf)...)
				n.state = stateData
			default:
				// Unterminated subnegotiation: abandon it and treat the
				// byte as the command that follows IAC.
				n.sbBuf = n.sbBuf[:0]
				n.state = stateIAC
				r, c := n.ProcessIncoming([]byte{b})
				reply = append(reply, r...)
				clean = append(clean, c...)
			}
		}
	}

	return reply, clean
}

func (n *Negotiator) negotiate(verb, opt byte) []byte {
	switch verb {
	case DO:
		if !acceptLocal(opt) {
			return negotiation(WONT, opt)
		}
		if n.local[opt] {
			return nil
		}
		n.local[opt] = true
		return negotiation(WILL, opt)

	case DONT:
		if !n.local[opt] {
			return nil
		}
		n.local[opt] = false
		return negotiation(WONT, opt)

	case WILL:
		if !acceptRemote(opt) {
			return negotiation(DONT, opt)
		}
		if n.remote[opt] {
			return nil
		}
		n.remote[opt] = true
		return negotiation(DO, opt)

	case WONT:
		if !n.remote[opt] {
			return nil
		}
		n.remote[opt] = false
		return negotiation(DONT, opt)
	}
	return nil
}

func (n *Negotiator) subnegotiate(opt byte, payload []byte) []byte {
	switch opt {
	case OptTTYPE:
		if len(payload) == 0 || payload[0] != ttypeSEND || !n.local[OptTTYPE] {
			return nil
		}
		n.terminalTypeSent = true

		out := make([]byte, 0, 6+len(n.termType))
		out = append(out, IAC, SB, OptTTYPE, ttypeIS)
		out = append(out, EscapeDataForSend([]byte(n.termType))...)
		out = append(out, IAC, SE)
		return out
	}
	return nil
}

func acceptLocal(opt byte) bool {
	switch opt {
	case OptNAWS, OptTTYPE, OptSGA:
		return true
	}
	return false
}

func acceptRemote(opt byte) bool {
	switch opt {
	case OptEcho, OptSGA:
		return true
	}
	return false
}

// NAWSEnabled reports whether the server asked for window size reports and we
// agreed.
func (n *Negotiator) NAWSEnabled() bool {
	return n.local[OptNAWS]
}

// TerminalTypeSent reports whether the terminal type has been announced.
func (n *Negotiator) TerminalTypeSent() bool {
	return n.terminalTypeSent
}

// RemoteEcho reports whether the server echoes our input.
func (n *Negotiator) RemoteEcho() bool {
	return n.remote[OptEcho]
}

// LocalEnabled reports whether we agreed to perform opt.
func (n *Negotiator) LocalEnabled(opt byte) bool {
	return n.local[opt]
}

// RemoteEnabled reports whether the peer agreed to perform opt.
func (n *Negotiator) RemoteEnabled(opt byte) bool {
	return n.remote[opt]
}
