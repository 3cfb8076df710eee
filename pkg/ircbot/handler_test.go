// Copyright 2024-2026 Aiku AI

package ircbot

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/irc.v4"
)

func TestParsePrivmsgFilters(t *testing.T) {
	t.Parallel()
	bot := New(testConfig(), zerolog.Nop())

	tests := []struct {
		name string
		line string
		keep bool
	}{
		{"channel message", ":alice!a@h PRIVMSG #general :hi", true},
		{"channel case folded", ":alice!a@h PRIVMSG #RANDOM :hi", true},
		{"own nick", ":bridge!b@h PRIVMSG #general :hi", false},
		{"own nick other case", ":Bridge!b@h PRIVMSG #general :hi", false},
		{"ignored prefix", ":RelayBot!r@h PRIVMSG #general :hi", false},
		{"direct message", ":alice!a@h PRIVMSG bridge :hi", false},
		{"unconfigured channel", ":alice!a@h PRIVMSG #other :hi", false},
		{"blank body", ":alice!a@h PRIVMSG #general :   ", false},
		{"server notice", "PRIVMSG #general :hi", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := bot.parsePrivmsg("bridge", irc.MustParseMessage(tt.line))
			assert.Equal(t, tt.keep, got != nil)
		})
	}
}

func TestParsePrivmsgTags(t *testing.T) {
	t.Parallel()
	bot := New(testConfig(), zerolog.Nop())

	m := irc.MustParseMessage("@msgid=abc123;time=2024-05-01T10:00:00.250Z :alice!a@h PRIVMSG #general :tagged")
	got := bot.parsePrivmsg("bridge", m)
	require.NotNil(t, got)
	assert.Equal(t, "abc123", got.NativeID)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 250_000_000, time.UTC), got.Timestamp.UTC())

	fixed := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	bot.now = func() time.Time { return fixed }
	plain := bot.parsePrivmsg("bridge", irc.MustParseMessage(":alice!a@h PRIVMSG #general :plain"))
	require.NotNil(t, plain)
	assert.Equal(t, "libera:1", plain.NativeID)
	assert.Equal(t, fixed, plain.Timestamp)
}

func TestParsePrivmsgAction(t *testing.T) {
	t.Parallel()
	bot := New(testConfig(), zerolog.Nop())
	got := bot.parsePrivmsg("bridge", irc.MustParseMessage(":alice!a@h PRIVMSG #general :\x01ACTION waves\x01"))
	require.NotNil(t, got)
	assert.Equal(t, "\x01ACTION waves\x01", got.Body)
}

func TestIsChannelName(t *testing.T) {
	t.Parallel()
	tests := map[string]bool{
		"#general":   true,
		"&local":     true,
		"+modeless":  true,
		"!ABCDEsafe": true,
		"general":    false,
		"#":          false,
		"":           false,
		"#two words": false,
		"#a,#b":      false,
	}
	for name, want := range tests {
		assert.Equal(t, want, IsChannelName(name), "%q", name)
	}
}
