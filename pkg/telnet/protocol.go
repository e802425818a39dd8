// Package telnet implements the client side of the Telnet wire protocol used by
// terminal connections: IAC command parsing, option negotiation, NAWS window size
// reports and IAC escaping of outgoing data.
//
// The Negotiator is a pure state machine. It performs no I/O; the caller feeds it
// raw bytes read from the socket and writes back whatever reply bytes it returns
// before handing the cleaned data to the terminal.
package telnet

// Telnet command bytes (RFC 854).
const (
	IAC  byte = 255 // Interpret As Command
	DONT byte = 254
	DO   byte = 253
	WONT byte = 252
	WILL byte = 251
	SB   byte = 250 // Subnegotiation Begin
	GA   byte = 249 // Go Ahead
	EL   byte = 248 // Erase Line
	EC   byte = 247 // Erase Character
	AYT  byte = 246 // Are You There
	AO   byte = 245 // Abort Output
	IP   byte = 244 // Interrupt Process
	BRK  byte = 243 // Break
	DM   byte = 242 // Data Mark
	NOP  byte = 241 // No Operation
	SE   byte = 240 // Subnegotiation End
)

// Telnet option codes.
const (
	OptBinary   byte = 0
	OptEcho     byte = 1
	OptSGA      byte = 3 // Suppress Go Ahead
	OptStatus   byte = 5
	OptTTYPE    byte = 24 // Terminal Type (RFC 1091)
	OptNAWS     byte = 31 // Negotiate About Window Size (RFC 1073)
	OptLinemode byte = 34
)

// Terminal-type subnegotiation qualifiers.
const (
	ttypeIS   byte = 0
	ttypeSEND byte = 1
)

// EscapeDataForSend doubles every IAC byte in application data so the remote
// never interprets user input as a protocol command.
//
//	[255, 1, 6, 2] -> [255, 255, 1, 6, 2]
func EscapeDataForSend(data []byte) []byte {
	n := 0
	for _, b := range data {
		if b == IAC {
			n++
		}
	}
	if n == 0 {
		return data
	}

	out := make([]byte, 0, len(data)+n)
	for _, b := range data {
		out = append(out, b)
		if b == IAC {
			out = append(out, IAC)
		}
	}
	return out
}

// Unescape collapses doubled IAC bytes, reversing EscapeDataForSend. It is the
// peer-side view of escaped application data and assumes the input carries no
// other commands.
func Unescape(data []byte) []byte {
	out := make([]byte, 0, len(data))
	sawIAC := false
	for _, b := range data {
		if sawIAC {
			sawIAC = false
			if b == IAC {
				continue
			}
		} else if b == IAC {
			sawIAC = true
		}
		out = append(out, b)
	}
	return out
}

// BuildNAWS builds an IAC SB NAWS <width> <height> IAC SE packet. Size bytes
// equal to 255 are doubled as required by RFC 1073.
func BuildNAWS(cols, rows uint16) []byte {
	size := []byte{byte(cols >> 8), byte(cols), byte(rows >> 8), byte(rows)}

	packet := make([]byte, 0, 9+4)
	packet = append(packet, IAC, SB, OptNAWS)
	packet = append(packet, EscapeDataForSend(size)...)
	packet = append(packet, IAC, SE)
	return packet
}

// BuildNOP returns the two-byte IAC NOP keepalive.
func BuildNOP() []byte {
	return []byte{IAC, NOP}
}

func negotiation(verb, option byte) []byte {
	return []byte{IAC, verb, option}
}

// CommandName returns a short name for a command byte, for logging.
func CommandName(b byte) string {
	switch b {
	case DONT:
		return "DONT"
	case DO:
		return "DO"
	case WONT:
		return "WONT"
	case WILL:
		return "WILL"
	case SB:
		return "SB"
	case SE:
		return "SE"
	case NOP:
		return "NOP"
	case GA:
		return "GA"
	case IAC:
		return "IAC"
	default:
		return "CMD"
	}
}

// OptionName returns a short name for an option code, for logging.
func OptionName(opt byte) string {
	switch opt {
	case OptBinary:
		return "BINARY"
	case OptEcho:
		return "ECHO"
	case OptSGA:
		return "SGA"
	case OptStatus:
		return "STATUS"
	case OptTTYPE:
		return "TTYPE"
	case OptNAWS:
		return "NAWS"
	case OptLinemode:
		return "LINEMODE"
	default:
		return "OPT"
	}
}
