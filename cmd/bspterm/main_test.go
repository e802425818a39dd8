package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tu10ng/bspterm-sub000/pkg/config"
)

func TestParseTarget(t *testing.T) {
	tests := []struct {
		name     string
		target   string
		wantUser string
		wantHost string
		wantPort int
		wantErr  bool
	}{
		{name: "host only", target: "core-sw1", wantHost: "core-sw1"},
		{name: "user and host", target: "admin@192.0.2.10", wantUser: "admin", wantHost: "192.0.2.10"},
		{name: "user host port", target: "root@core-sw1:2222", wantUser: "root", wantHost: "core-sw1", wantPort: 2222},
		{name: "bracketed ipv6 with port", target: "[2001:db8::1]:23", wantHost: "2001:db8::1", wantPort: 23},
		{name: "bracketed ipv6", target: "admin@[2001:db8::1]", wantUser: "admin", wantHost: "2001:db8::1"},
		{name: "at sign in user", target: "ops@corp@10.0.0.1", wantUser: "ops@corp", wantHost: "10.0.0.1"},
		{name: "bad port", target: "host:http", wantErr: true},
		{name: "port out of range", target: "host:70000", wantErr: true},
		{name: "empty host", target: "admin@", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			user, host, port, err := parseTarget(tt.target)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantUser, user)
			assert.Equal(t, tt.wantHost, host)
			assert.Equal(t, tt.wantPort, port)
		})
	}
}

func testSessions() []config.SessionConfig {
	return []config.SessionConfig{
		config.SessionConfig{Name: "core-sw1", Protocol: config.ProtocolSSH, Host: "192.0.2.10", Username: "admin"}.WithDefaults(),
		config.SessionConfig{Name: "console", Protocol: config.ProtocolTelnet, Host: "192.0.2.20", Port: 7001, AutoLogin: true}.WithDefaults(),
	}
}

func TestPrintSessions_Text(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printSessions(&buf, testSessions(), "text"))

	out := buf.String()
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "192.0.2.10:22")
	assert.Contains(t, out, "192.0.2.20:7001")
	assert.Contains(t, out, "admin")
}

func TestPrintSessions_JSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printSessions(&buf, testSessions(), "json"))

	var got []sessionSummary
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, "core-sw1", got[0].Name)
	assert.Equal(t, config.ProtocolTelnet, got[1].Protocol)
	assert.True(t, got[1].AutoLogin)
}

func TestPrintSessions_Empty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printSessions(&buf, nil, "text"))
	assert.Equal(t, "No sessions configured.\n", buf.String())
}

func TestPrintSessions_InvalidFormat(t *testing.T) {
	err := printSessions(&bytes.Buffer{}, testSessions(), "yaml")
	assert.Error(t, err)
}
