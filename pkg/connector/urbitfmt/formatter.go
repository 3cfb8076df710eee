// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package urbitfmt converts IRC channel messages to Urbit chat text.
package urbitfmt

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/fitnub-bosbud/UrbitIrcBridge/pkg/bridge"
)

// DefaultMaxMessageBytes is the largest body relayed to Urbit.
const DefaultMaxMessageBytes = 8192

var (
	colorRe    = regexp.MustCompile(`\x03(?:\d{1,2}(?:,\d{1,2})?)?`)
	hexColorRe = regexp.MustCompile(`\x04(?:[0-9a-fA-F]{6}(?:,[0-9a-fA-F]{6})?)?`)
	formatRe   = regexp.MustCompile("[\x02\x0f\x11\x16\x1d\x1e\x1f]")
	actionRe   = regexp.MustCompile(`^\x01ACTION (.*?)\x01?$`)
)

// StripFormatting removes mIRC bold, italic, underline, color and reset
// codes, then any remaining control characters.
func StripFormatting(s string) string {
	s = colorRe.ReplaceAllString(s, "")
	s = hexColorRe.ReplaceAllString(s, "")
	s = formatRe.ReplaceAllString(s, "")
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}

// ToPeerMessage formats an IRC line by author as Urbit chat text,
// "author: text". CTCP ACTION lines become "* author text"; other CTCP
// requests produce an empty body and are not relayed.
//
// Bodies larger than maxBytes fail with bridge.ErrMessageTooLarge. A
// maxBytes of zero means DefaultMaxMessageBytes.
func ToPeerMessage(author, line string, maxBytes int) (string, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxMessageBytes
	}
	author = strings.TrimSpace(StripFormatting(author))

	var body string
	if m := actionRe.FindStringSubmatch(line); m != nil {
		text := strings.TrimSpace(StripFormatting(m[1]))
		if text == "" {
			return "", nil
		}
		body = "* " + author + " " + text
	} else if strings.HasPrefix(line, "\x01") {
		return "", nil
	} else {
		text := strings.TrimSpace(StripFormatting(line))
		if text == "" {
			return "", nil
		}
		body = author + ": " + text
	}

	if len(body) > maxBytes {
		return "", bridge.MessageTooLargeError(len(body), maxBytes)
	}
	return body, nil
}
