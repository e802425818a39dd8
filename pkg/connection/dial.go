package connection

import (
	"context"
	"fmt"

	"github.com/tu10ng/bspterm-sub000/pkg/config"
)

// Dial builds a connection for the session's protocol.
func Dial(ctx context.Context, session config.SessionConfig, opts Options) (TerminalConnection, error) {
	session = session.WithDefaults()
	if session.Protocol != config.ProtocolSSH && session.Protocol != config.ProtocolTelnet {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProtocol, session.Protocol)
	}
	if err := session.Validate(); err != nil {
		return nil, err
	}

	if session.Protocol == config.ProtocolSSH {
		return DialSSH(ctx, session, opts)
	}
	return DialTelnet(ctx, session, opts)
}
