package messaging

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalWireShape(t *testing.T) {
	line, err := Marshal(Envelope{Text: "Client connected", Tag: "192.168.49.23"})
	require.NoError(t, err)
	assert.Equal(t, `{"message":"Client connected","senderIp":"192.168.49.23"}`, line)
}

func TestMarshalIsSingleLine(t *testing.T) {
	line, err := Marshal(Envelope{Text: "one\ntwo\r\nthree", Tag: "tag\n"})
	require.NoError(t, err)
	assert.NotContains(t, line, "\n")
	assert.NotContains(t, line, "\r")

	env, err := Unmarshal(line)
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\r\nthree", env.Text)
	assert.Equal(t, "tag\n", env.Tag)
}

func TestUnmarshal(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    Envelope
		wantErr bool
	}{
		{
			name: "complete envelope",
			line: `{"message":"weDJevX3hkwS0G6zB4m32g==","senderIp":"192.168.49.1"}`,
			want: Envelope{Text: "weDJevX3hkwS0G6zB4m32g==", Tag: "192.168.49.1"},
		},
		{
			name: "empty strings are present fields",
			line: `{"message":"","senderIp":""}`,
			want: Envelope{},
		},
		{
			name: "unknown fields ignored",
			line: `{"message":"hi","senderIp":"x","extra":1}`,
			want: Envelope{Text: "hi", Tag: "x"},
		},
		{name: "invalid json", line: `{"message":`, wantErr: true},
		{name: "not an object", line: `"hello"`, wantErr: true},
		{name: "missing tag", line: `{"message":"hi"}`, wantErr: true},
		{name: "missing text", line: `{"senderIp":"x"}`, wantErr: true},
		{name: "null text", line: `{"message":null,"senderIp":"x"}`, wantErr: true},
		{name: "wrong type", line: `{"message":5,"senderIp":"x"}`, wantErr: true},
		{name: "empty line", line: ``, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Unmarshal(tt.line)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformedEnvelope)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReverse(t *testing.T) {
	assert.Equal(t, "==g23mB4", Reverse("4Bm32g=="))
	assert.Equal(t, "", Reverse(""))
	assert.Equal(t, "a", Reverse("a"))
	assert.Equal(t, "ü🙂a", Reverse("a🙂ü"))

	token := "weDJevX3hkwS0G6zB4m32g=="
	assert.Equal(t, token, Reverse(Reverse(token)))
	assert.False(t, strings.HasSuffix(Reverse(token), "=="))
}

func TestNewMessage(t *testing.T) {
	m := NewMessage("hello", "192.168.49.1")
	assert.Equal(t, "hello", m.Text)
	assert.Equal(t, "192.168.49.1", m.Origin)
	assert.False(t, m.Timestamp.IsZero())
}
