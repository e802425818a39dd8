package telnet

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEscapeDataForSend(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		want  []byte
	}{
		{name: "no IAC", input: []byte("ls -la\r"), want: []byte("ls -la\r")},
		{name: "single IAC", input: []byte{255, 1, 6, 2}, want: []byte{255, 255, 1, 6, 2}},
		{name: "only IAC", input: []byte{255, 255}, want: []byte{255, 255, 255, 255}},
		{name: "empty", input: []byte{}, want: []byte{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EscapeDataForSend(tt.input))
		})
	}
}

func TestEscapeRoundTrip(t *testing.T) {
	inputs := [][]byte{
		{IAC},
		{IAC, IAC, IAC},
		{'a', IAC, 'b', IAC},
		{IAC, SE, IAC, NOP, 0},
		append([]byte("prefix"), IAC),
	}

	for _, in := range inputs {
		escaped := EscapeDataForSend(in)
		assert.Equal(t, in, Unescape(escaped), "round trip of %v", in)

		// The remote negotiator sees the escaped bytes as data, not commands.
		reply, clean := NewNegotiator("").ProcessIncoming(escaped)
		assert.Nil(t, reply)
		assert.Equal(t, in, clean)
	}
}

func TestEscapeRoundTrip_AllBytes(t *testing.T) {
	in := make([]byte, 256)
	for i := range in {
		in[i] = byte(i)
	}
	assert.Equal(t, in, Unescape(EscapeDataForSend(in)))
}

func TestBuildNAWS(t *testing.T) {
	assert.Equal(t,
		[]byte{IAC, SB, OptNAWS, 0, 80, 0, 24, IAC, SE},
		BuildNAWS(80, 24))

	// 255 in a size byte must be doubled.
	assert.Equal(t,
		[]byte{IAC, SB, OptNAWS, 0, 255, 255, 1, 0, IAC, SE},
		BuildNAWS(255, 256))
}

func TestBuildNOP(t *testing.T) {
	assert.Equal(t, []byte{255, 241}, BuildNOP())
}
