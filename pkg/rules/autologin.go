package rules

import (
	"regexp"

	"github.com/tu10ng/bspterm-sub000/pkg/config"
)

var (
	loginPrompt    = regexp.MustCompile(`(?i)(login|username|user name)\s*:\s*$`)
	passwordPrompt = regexp.MustCompile(`(?i)password\s*:\s*$`)
)

// AutoLogin answers the first login and password prompts with the session
// credentials. Each prompt is answered at most once.
type AutoLogin struct {
	sentUser     bool
	sentPassword bool
}

// NewAutoLogin returns a fresh auto-login rule.
func NewAutoLogin() *AutoLogin {
	return &AutoLogin{}
}

func (a *AutoLogin) Name() string {
	return "auto-login"
}

// Done reports whether both prompts have been answered.
func (a *AutoLogin) Done() bool {
	return a.sentPassword
}

func (a *AutoLogin) Evaluate(trigger Trigger, screen *Screen, meta Metadata, w Writer) (bool, error) {
	if trigger != TriggerWakeup || a.sentPassword {
		return false, nil
	}

	line := screen.LastLine()
	switch {
	case !a.sentUser && meta.Username != "" && loginPrompt.MatchString(line):
		if err := w.Write([]byte(meta.Username + lineEnding(meta))); err != nil {
			return false, err
		}
		a.sentUser = true
		screen.Reset()
		return true, nil

	case meta.Password != "" && passwordPrompt.MatchString(line):
		if err := w.Write([]byte(meta.Password + lineEnding(meta))); err != nil {
			return false, err
		}
		a.sentUser = true
		a.sentPassword = true
		screen.Reset()
		return true, nil
	}

	return false, nil
}

// lineEnding terminates a typed answer. Telnet requires CR LF (RFC 854); SSH
// servers expect the bare CR a terminal sends for Enter.
func lineEnding(meta Metadata) string {
	if meta.Protocol == string(config.ProtocolTelnet) {
		return "\r\n"
	}
	return "\r"
}
