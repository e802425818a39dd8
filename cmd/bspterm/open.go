package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tu10ng/bspterm-sub000/internal/app"
	"github.com/tu10ng/bspterm-sub000/internal/console"
	"github.com/tu10ng/bspterm-sub000/pkg/config"
	"github.com/tu10ng/bspterm-sub000/pkg/connection"
)

var sshCmd = &cobra.Command{
	Use:   "ssh [user@]host[:port]",
	Short: "Open an SSH terminal",
	Example: `  bspterm ssh admin@192.0.2.10
  bspterm ssh root@core-sw1:2222 -i ~/.ssh/id_ed25519
  bspterm ssh admin@192.0.2.10 --command "show version"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		session, err := adHocSession(cmd, config.ProtocolSSH, args[0])
		if err != nil {
			return err
		}

		if session.Password == "" && session.PrivateKeyFile == "" {
			session.Password, err = promptPassword(fmt.Sprintf("%s@%s's password: ", session.Username, session.Host))
			if err != nil {
				return err
			}
		}

		return openConsole(cmd.Context(), func(ctx context.Context) (*app.Terminal, error) {
			return appCtx.Open(ctx, session, "console")
		})
	},
}

var telnetCmd = &cobra.Command{
	Use:   "telnet host[:port]",
	Short: "Open a Telnet terminal",
	Example: `  bspterm telnet 192.0.2.20
  bspterm telnet console-server:7001 --user admin --password secret --auto-login`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		session, err := adHocSession(cmd, config.ProtocolTelnet, args[0])
		if err != nil {
			return err
		}

		return openConsole(cmd.Context(), func(ctx context.Context) (*app.Terminal, error) {
			return appCtx.Open(ctx, session, "console")
		})
	},
}

var connectCmd = &cobra.Command{
	Use:   "connect <session>",
	Short: "Open a configured session by name",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		return openConsole(cmd.Context(), func(ctx context.Context) (*app.Terminal, error) {
			return appCtx.OpenNamed(ctx, name, "console")
		})
	},
}

func init() {
	for _, cmd := range []*cobra.Command{sshCmd, telnetCmd} {
		cmd.Flags().StringP("user", "l", "", "login name")
		cmd.Flags().IntP("port", "p", 0, "remote port (default is the protocol port)")
		cmd.Flags().String("password", "", "password")
		cmd.Flags().Bool("auto-login", false, "answer login and password prompts automatically")
		cmd.Flags().Duration("keepalive", 0, "keepalive interval (default from configuration)")
	}
	sshCmd.Flags().StringP("identity", "i", "", "private key file")
	sshCmd.Flags().String("passphrase", "", "private key passphrase")
	sshCmd.Flags().String("command", "", "command written to the shell after it opens")

	rootCmd.AddCommand(sshCmd)
	rootCmd.AddCommand(telnetCmd)
	rootCmd.AddCommand(connectCmd)
}

// adHocSession builds a session from a command-line target and flags.
func adHocSession(cmd *cobra.Command, protocol config.Protocol, target string) (config.SessionConfig, error) {
	user, host, port, err := parseTarget(target)
	if err != nil {
		return config.SessionConfig{}, err
	}

	flags := cmd.Flags()
	if flags.Changed("user") {
		user, _ = flags.GetString("user")
	}
	if flags.Changed("port") {
		port, _ = flags.GetInt("port")
	}

	session := config.SessionConfig{
		Name:     host,
		Protocol: protocol,
		Host:     host,
		Port:     port,
		Username: user,
	}
	session.Password, _ = flags.GetString("password")
	session.AutoLogin, _ = flags.GetBool("auto-login")
	session.KeepaliveInterval, _ = flags.GetDuration("keepalive")
	if protocol == config.ProtocolSSH {
		session.PrivateKeyFile, _ = flags.GetString("identity")
		session.KeyPassphrase, _ = flags.GetString("passphrase")
		session.InitialCommand, _ = flags.GetString("command")
	}

	session = session.WithDefaults()
	if err := session.Validate(); err != nil {
		return config.SessionConfig{}, err
	}
	return session, nil
}

// parseTarget splits [user@]host[:port]. A missing port is returned as 0.
func parseTarget(target string) (user, host string, port int, err error) {
	if i := strings.LastIndex(target, "@"); i >= 0 {
		user, target = target[:i], target[i+1:]
	}

	host = target
	if h, p, splitErr := net.SplitHostPort(target); splitErr == nil {
		host = h
		port, err = strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return "", "", 0, fmt.Errorf("invalid port %q", p)
		}
	} else {
		host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	}

	if host == "" {
		return "", "", 0, fmt.Errorf("invalid target %q: host is required", target)
	}
	return user, host, port, nil
}

func promptPassword(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", nil
	}

	fmt.Fprint(os.Stderr, prompt)
	password, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(password), nil
}

// openConsole opens a terminal and bridges it to stdin and stdout until it
// ends.
func openConsole(ctx context.Context, open func(context.Context) (*app.Terminal, error)) error {
	if ctx == nil {
		ctx = context.Background()
	}
	defer appCtx.Shutdown()

	t, err := open(ctx)
	if err != nil {
		return err
	}

	state, err := console.New(t).Run(ctx)
	fmt.Fprintf(os.Stderr, "\nConnection to %s closed: %s\n", t.Session().Name, state)
	if err != nil {
		return fmt.Errorf("console session error: %w", err)
	}
	if state.Status == connection.StatusError {
		return errors.New(state.Reason)
	}
	return nil
}
