package rules

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingWriter struct {
	writes []string
	err    error
}

func (w *recordingWriter) Write(data []byte) error {
	if w.err != nil {
		return w.err
	}
	w.writes = append(w.writes, string(data))
	return nil
}

var creds = Metadata{SessionName: "switch", Protocol: "telnet", Username: "admin", Password: "s3cret"}

func TestAutoLogin_AnswersEachPromptOnce(t *testing.T) {
	w := &recordingWriter{}
	rule := NewAutoLogin()
	e := NewEngine(creds, rule)

	require.NoError(t, e.Connected(w))
	assert.Empty(t, w.writes)

	require.NoError(t, e.Feed([]byte("Welcome\r\nlogin: "), w))
	require.NoError(t, e.Feed([]byte(""), w))
	assert.Equal(t, []string{"admin\r\n"}, w.writes)

	require.NoError(t, e.Feed([]byte("admin\r\nPassword: "), w))
	assert.Equal(t, []string{"admin\r\n", "s3cret\r\n"}, w.writes)
	assert.True(t, rule.Done())

	require.NoError(t, e.Feed([]byte("\r\nLogin incorrect\r\nlogin: "), w))
	require.NoError(t, e.Feed([]byte("Password: "), w))
	assert.Len(t, w.writes, 2)
}

func TestAutoLogin_PasswordOnly(t *testing.T) {
	w := &recordingWriter{}
	e := NewEngine(Metadata{Password: "pw"}, NewAutoLogin())

	require.NoError(t, e.Feed([]byte("admin@192.0.2.1's password: "), w))
	assert.Equal(t, []string{"pw\r"}, w.writes)
}

func TestAutoLogin_LineEndingFollowsProtocol(t *testing.T) {
	tests := []struct {
		protocol string
		want     []string
	}{
		{protocol: "telnet", want: []string{"admin\r\n", "pw\r\n"}},
		{protocol: "ssh", want: []string{"admin\r", "pw\r"}},
	}

	for _, tt := range tests {
		t.Run(tt.protocol, func(t *testing.T) {
			w := &recordingWriter{}
			e := NewEngine(Metadata{Protocol: tt.protocol, Username: "admin", Password: "pw"}, NewAutoLogin())

			require.NoError(t, e.Feed([]byte("login: "), w))
			require.NoError(t, e.Feed([]byte("admin\r\nPassword: "), w))
			assert.Equal(t, tt.want, w.writes)
		})
	}
}

func TestAutoLogin_IgnoresPromptWithoutCredentials(t *testing.T) {
	w := &recordingWriter{}
	e := NewEngine(Metadata{}, NewAutoLogin())

	require.NoError(t, e.Feed([]byte("Username: "), w))
	require.NoError(t, e.Feed([]byte("Password: "), w))
	assert.Empty(t, w.writes)
}

func TestAutoLogin_PromptSplitAcrossWakeups(t *testing.T) {
	w := &recordingWriter{}
	e := NewEngine(creds, NewAutoLogin())

	require.NoError(t, e.Feed([]byte("\x1b[1mUser"), w))
	assert.Empty(t, w.writes)
	require.NoError(t, e.Feed([]byte("name:\x1b[0m "), w))
	assert.Equal(t, []string{"admin\r\n"}, w.writes)
}

func TestEngine_WriteErrorPropagates(t *testing.T) {
	w := &recordingWriter{err: errors.New("connection closed")}
	e := NewEngine(creds, NewAutoLogin())

	err := e.Feed([]byte("login: "), w)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auto-login")
	assert.Equal(t, 1, e.Len())
}

func TestScreen_LastLine(t *testing.T) {
	tests := []struct {
		name  string
		input []string
		want  string
	}{
		{name: "empty", input: nil, want: ""},
		{name: "single line", input: []string{"login: "}, want: "login: "},
		{name: "after newline", input: []string{"banner\r\n", "Password:"}, want: "Password:"},
		{name: "trailing crlf", input: []string{"done\r\n"}, want: ""},
		{name: "carriage return overwrite", input: []string{"progress 10%\rprogress 90%"}, want: "progress 90%"},
		{name: "colors stripped", input: []string{"\x1b[32mok\x1b[0m $ "}, want: "ok $ "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewScreen(64)
			for _, in := range tt.input {
				s.Append([]byte(in))
			}
			assert.Equal(t, tt.want, s.LastLine())
		})
	}
}

func TestScreen_KeepsTail(t *testing.T) {
	s := NewScreen(8)
	s.Append([]byte("0123456789"))
	assert.Equal(t, "23456789", s.Text())

	s.Reset()
	assert.Empty(t, s.Text())
}
