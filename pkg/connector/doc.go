// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package connector relays chat messages between Urbit chats and IRC
// channels.
//
// # Core Types
//
// [Registry] holds the configured channel pairs, each mapping one Urbit
// chat (~ship/resource) to one IRC channel on one bot.
//
// [Relay] is the message pump. Every tick it polls each Urbit chat for
// posts newer than the pair's watermark and sends them to IRC, then
// publishes whatever the IRC bots have queued. It owns all per-pair state:
// watermarks, dedup windows, retry queues and the disabled flag.
//
// [Connector] wires the Urbit client, the IRC bots and the relay, and
// serves the admin API at /api/pairs, /api/pairs/enable and /metrics.
//
// # Echo Prevention
//
// The bridge posts as its own ship and its own nick, so its output shows
// up on the next poll of the other side. Layers: the ircbot package drops
// lines from the bot's own nick and from configured relay-bot nick
// prefixes; the relay records the id of every post it publishes in the
// pair's Urbit-to-IRC dedup window so the post is never sent back. These
// layers must not be removed.
//
// # Sub-packages
//
//   - ircfmt renders Urbit messages as attributed, length-limited IRC lines.
//   - urbitfmt renders IRC lines as attributed Urbit post bodies.
package connector
