// Copyright 2024-2026 Aiku AI

package ircbot

import (
	"strconv"
	"strings"
	"time"

	"gopkg.in/irc.v4"

	"github.com/fitnub-bosbud/UrbitIrcBridge/pkg/bridge"
)

// handle dispatches an IRC message received on the connection.
func (b *Bot) handle(c *irc.Client, m *irc.Message) {
	switch m.Command {
	case "001":
		b.handleWelcome()
	case "JOIN":
		b.handleJoin(c, m)
	case "PART":
		if isSelf(c, m) && len(m.Params) > 0 {
			b.lostChannel(m.Params[0], "parted")
		}
	case "KICK":
		if len(m.Params) > 1 && strings.EqualFold(m.Params[1], c.CurrentNick()) {
			b.lostChannel(m.Params[0], "kicked")
		}
	case "PRIVMSG":
		msg := b.parsePrivmsg(c.CurrentNick(), m)
		if msg != nil {
			b.enqueue(*msg)
		}
	case "403", "405", "471", "473", "474", "475":
		ch := ""
		if len(m.Params) > 1 {
			ch = m.Params[1]
		}
		b.log.Warn().Str("irc_channel", ch).Str("reply", m.Command).Str("reason", m.Trailing()).Msg("Failed to join channel")
	case "ERROR":
		b.log.Warn().Str("reason", m.Trailing()).Msg("Server closed the link")
	default:
		b.log.Trace().Str("command", m.Command).Msg("Unhandled IRC message")
	}
}

func (b *Bot) handleWelcome() {
	b.log.Info().Int("channels", len(b.cfg.Channels)).Msg("Registered with IRC server, joining channels")
	if err := b.join(b.cfg.Channels); err != nil {
		b.log.Warn().Err(err).Msg("Failed to send JOIN")
	}
}

func (b *Bot) handleJoin(c *irc.Client, m *irc.Message) {
	if !isSelf(c, m) || len(m.Params) == 0 {
		return
	}
	ch := bridge.FoldChannel(m.Params[0])
	if !b.channels.Has(ch) {
		return
	}
	b.mu.Lock()
	b.joined.Add(ch)
	b.mu.Unlock()
	b.backoff.Reset()
	b.log.Info().Str("irc_channel", m.Params[0]).Msg("Joined channel")
	b.setState(StateJoined)
}

// lostChannel forgets a joined channel and schedules a rejoin while the
// connection stays up.
func (b *Bot) lostChannel(channel, why string) {
	ch := bridge.FoldChannel(channel)
	b.mu.Lock()
	b.joined.Remove(ch)
	none := b.joined.IsEmpty()
	client := b.client
	b.mu.Unlock()
	if !b.channels.Has(ch) {
		return
	}
	if none {
		// Still registered, but no longer in any bridged channel.
		b.setState(StateConnecting)
	}
	b.log.Warn().Str("irc_channel", channel).Str("why", why).Dur("rejoin_in", b.cfg.RejoinDelay).Msg("Left channel")
	time.AfterFunc(b.cfg.RejoinDelay, func() {
		b.mu.Lock()
		same := b.client == client
		b.mu.Unlock()
		if !same || b.Joined(channel) {
			return
		}
		if err := b.join([]string{channel}); err != nil {
			b.log.Debug().Err(err).Str("irc_channel", channel).Msg("Rejoin skipped")
		}
	})
}

// parsePrivmsg converts a PRIVMSG into an inbound message, applying the
// echo prevention layers. It returns nil for anything that must not be
// relayed.
func (b *Bot) parsePrivmsg(self string, m *irc.Message) *bridge.InboundMessage {
	if m.Prefix == nil || m.Prefix.Name == "" || len(m.Params) < 2 {
		return nil
	}
	target, text := m.Params[0], m.Trailing()
	// Direct messages to the bot are not bridged.
	if !IsChannelName(target) {
		return nil
	}
	// Echo prevention: own lines.
	if strings.EqualFold(m.Prefix.Name, self) || strings.EqualFold(m.Prefix.Name, b.cfg.Nickname) {
		return nil
	}
	// Echo prevention: other relay bots sharing the channel.
	if b.ignored(m.Prefix.Name) {
		b.log.Debug().Str("nick", m.Prefix.Name).Msg("Skipping message from ignored nick (echo prevention)")
		return nil
	}
	if !b.channels.Has(bridge.FoldChannel(target)) {
		return nil
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}

	nativeID := string(m.Tags["msgid"])
	if nativeID == "" {
		nativeID = b.cfg.Name + ":" + strconv.FormatUint(b.seq.Add(1), 10)
	}
	ts := b.now()
	if raw := string(m.Tags["time"]); raw != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			ts = parsed
		}
	}
	return &bridge.InboundMessage{
		Source:    bridge.PlatformIRC,
		Channel:   target,
		Author:    m.Prefix.Name,
		Body:      text,
		NativeID:  nativeID,
		Timestamp: ts,
	}
}

func (b *Bot) ignored(nick string) bool {
	lower := strings.ToLower(nick)
	for _, p := range b.cfg.IgnoreNicks {
		if p != "" && strings.HasPrefix(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

func isSelf(c *irc.Client, m *irc.Message) bool {
	return m.Prefix != nil && strings.EqualFold(m.Prefix.Name, c.CurrentNick())
}

// IsChannelName reports whether s names an IRC channel rather than a
// user.
func IsChannelName(s string) bool {
	return len(s) > 1 && strings.ContainsRune("#&+!", rune(s[0])) && !strings.ContainsAny(s, " ,\a")
}
