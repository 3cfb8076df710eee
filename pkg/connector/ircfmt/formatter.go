// Copyright 2024-2026 Aiku AI

// Package ircfmt converts Urbit chat messages to IRC PRIVMSG lines.
package ircfmt

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/fitnub-bosbud/UrbitIrcBridge/pkg/bridge"
)

const (
	// DefaultMaxLineBytes leaves room for the PRIVMSG command, the channel
	// name and the prefix the server prepends, inside the 512 byte limit.
	DefaultMaxLineBytes = 400
	// DefaultMaxLines bounds how many IRC lines a single message may expand to.
	DefaultMaxLines = 10

	maxAuthorBytes = 64
	minBodyBytes   = 32
)

// Options controls line splitting.
type Options struct {
	// MaxLineBytes is the maximum size of one formatted line, author
	// prefix included. Zero means DefaultMaxLineBytes.
	MaxLineBytes int
	// MaxLines is the maximum number of lines one message may produce.
	// Zero means DefaultMaxLines, a negative value disables the check.
	MaxLines int
}

func (o Options) maxLineBytes() int {
	if o.MaxLineBytes <= 0 {
		return DefaultMaxLineBytes
	}
	return o.MaxLineBytes
}

func (o Options) maxLines() int {
	if o.MaxLines == 0 {
		return DefaultMaxLines
	}
	return o.MaxLines
}

// Prefix returns the attribution prepended to every line of a message by
// author.
func Prefix(author string) string {
	return "<" + sanitizeAuthor(author) + "> "
}

// ToIRCLines formats msg as one or more IRC lines. Each line carries the
// author prefix and none exceeds the configured byte limit. Control
// characters are removed, tabs become spaces, and the body is split on
// newlines first and then at word boundaries where possible.
//
// A message with no printable content yields no lines and no error.
func ToIRCLines(msg bridge.InboundMessage, opts Options) ([]string, error) {
	prefix := Prefix(msg.Author)
	budget := opts.maxLineBytes() - len(prefix)
	if budget < minBodyBytes {
		budget = minBodyBytes
	}

	body := Sanitize(msg.Body)
	var lines []string
	for _, line := range strings.Split(body, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		for _, chunk := range SplitLine(line, budget) {
			lines = append(lines, prefix+chunk)
		}
	}

	if limit := opts.maxLines(); limit > 0 && len(lines) > limit {
		return nil, bridge.MessageTooLargeError(len(body), limit*budget)
	}
	return lines, nil
}

// Sanitize normalizes line endings and strips characters that would break
// or be interpreted by the IRC protocol.
func Sanitize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\n':
			return r
		case r == '\t':
			return ' '
		case unicode.IsControl(r):
			return -1
		}
		return r
	}, s)
}

func sanitizeAuthor(author string) string {
	author = strings.Join(strings.Fields(Sanitize(author)), "")
	if author == "" {
		return "unknown"
	}
	if len(author) > maxAuthorBytes {
		cut := maxAuthorBytes
		for cut > 0 && !utf8.RuneStart(author[cut]) {
			cut--
		}
		author = author[:cut]
	}
	return author
}

// SplitLine splits s into chunks of at most limit bytes. Chunks end after a
// space when one is available so words stay whole, and never split a UTF-8
// sequence. Concatenating the chunks yields s.
func SplitLine(s string, limit int) []string {
	if limit <= 0 {
		return []string{s}
	}
	var out []string
	for len(s) > limit {
		cut := limit
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		if i := strings.LastIndexByte(s[:cut], ' '); i > 0 {
			cut = i + 1
		}
		if cut == 0 {
			_, cut = utf8.DecodeRuneInString(s)
		}
		out = append(out, s[:cut])
		s = s[cut:]
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}
