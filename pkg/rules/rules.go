// Package rules reacts to terminal output. An Engine is fed the connection's
// events and screen text and may write back into the connection.
package rules

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Trigger is the connection event that caused an evaluation.
type Trigger int

const (
	TriggerConnected Trigger = iota
	TriggerWakeup
)

func (t Trigger) String() string {
	switch t {
	case TriggerConnected:
		return "connected"
	case TriggerWakeup:
		return "wakeup"
	default:
		return fmt.Sprintf("Trigger(%d)", int(t))
	}
}

// Metadata describes the connection a rule runs against.
type Metadata struct {
	SessionName string
	Protocol    string
	Username    string
	Password    string
}

// Writer sends bytes to the remote. TerminalConnection satisfies it.
type Writer interface {
	Write(data []byte) error
}

// Rule is evaluated on every trigger. It reports whether it acted.
type Rule interface {
	Name() string
	Evaluate(trigger Trigger, screen *Screen, meta Metadata, w Writer) (bool, error)
}

// Engine evaluates rules in order for one connection.
type Engine struct {
	mu     sync.Mutex
	rules  []Rule
	screen *Screen
	meta   Metadata
	logger zerolog.Logger
}

// NewEngine creates an engine bound to one connection's metadata.
func NewEngine(meta Metadata, rules ...Rule) *Engine {
	return &Engine{
		rules:  rules,
		screen: NewScreen(DefaultScreenSize),
		meta:   meta,
		logger: log.With().Str("component", "rules").Str("session", meta.SessionName).Logger(),
	}
}

// Connected runs the rules once the connection is established.
func (e *Engine) Connected(w Writer) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fire(TriggerConnected, w)
}

// Feed appends drained output to the screen and runs the rules.
func (e *Engine) Feed(data []byte, w Writer) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.screen.Append(data)
	return e.fire(TriggerWakeup, w)
}

// Len returns the number of rules.
func (e *Engine) Len() int {
	return len(e.rules)
}

func (e *Engine) fire(trigger Trigger, w Writer) error {
	for _, r := range e.rules {
		acted, err := r.Evaluate(trigger, e.screen, e.meta, w)
		if err != nil {
			return fmt.Errorf("rule %s: %w", r.Name(), err)
		}
		if acted {
			e.logger.Debug().Str("rule", r.Name()).Stringer("trigger", trigger).Msg("Rule fired")
		}
	}
	return nil
}
