// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/fitnub-bosbud/UrbitIrcBridge/pkg/bridge"
)

// t0 is the relay start time used by relay tests.
var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// publishCall records one Publish to the fake peer network.
type publishCall struct {
	Addr bridge.Address
	Body string
	ID   string
}

// fakePeer is an in-memory Urbit. Publish stores the post so it comes back
// on the next fetch, like a real ship.
type fakePeer struct {
	ship string

	mu         sync.Mutex
	posts      map[bridge.Address][]bridge.InboundMessage
	published  []publishCall
	fetches    int
	fetchErr   map[bridge.Address]error
	fetchLimit int
	publishErr []error
	clock      time.Time
	nextID     int
}

func newFakePeer() *fakePeer {
	return &fakePeer{
		ship:     "~zod",
		posts:    make(map[bridge.Address][]bridge.InboundMessage),
		fetchErr: make(map[bridge.Address]error),
		clock:    t0.Add(time.Minute),
	}
}

// Post adds a message to addr as if someone wrote it on Urbit.
func (f *fakePeer) Post(addr bridge.Address, id, author, body string, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts[addr] = append(f.posts[addr], bridge.InboundMessage{
		Source:    bridge.PlatformUrbit,
		Channel:   addr.String(),
		Author:    author,
		Body:      body,
		NativeID:  id,
		Timestamp: at,
	})
}

func (f *fakePeer) SetFetchErr(addr bridge.Address, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.fetchErr, addr)
		return
	}
	f.fetchErr[addr] = err
}

// SetFetchLimit caps a fetch at the newest n messages, reporting a gap when
// more were due, like a ship that cannot page back far enough.
func (f *fakePeer) SetFetchLimit(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchLimit = n
}

// FailPublishes makes the next publishes return errs in order.
func (f *fakePeer) FailPublishes(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishErr = append(f.publishErr, errs...)
}

func (f *fakePeer) FetchSince(ctx context.Context, addr bridge.Address, since time.Time) ([]bridge.InboundMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, bridge.TransientFetchError(err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if err := f.fetchErr[addr]; err != nil {
		return nil, err
	}
	out := []bridge.InboundMessage{}
	for _, m := range f.posts[addr] {
		if m.Timestamp.After(since) {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if f.fetchLimit > 0 && len(out) > f.fetchLimit {
		return out[len(out)-f.fetchLimit:], bridge.FetchGapError(fmt.Errorf("%d messages not reached", len(out)-f.fetchLimit))
	}
	return out, nil
}

func (f *fakePeer) Publish(ctx context.Context, addr bridge.Address, body string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", bridge.TransientPublishError(err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.publishErr) > 0 {
		err := f.publishErr[0]
		f.publishErr = f.publishErr[1:]
		if err != nil {
			return "", err
		}
	}
	f.nextID++
	f.clock = f.clock.Add(time.Second)
	id := fmt.Sprintf("/%d", 170141184000000000+f.nextID)
	f.published = append(f.published, publishCall{Addr: addr, Body: body, ID: id})
	f.posts[addr] = append(f.posts[addr], bridge.InboundMessage{
		Source:    bridge.PlatformUrbit,
		Channel:   addr.String(),
		Author:    f.ship,
		Body:      body,
		NativeID:  id,
		Timestamp: f.clock,
	})
	return id, nil
}

func (f *fakePeer) Published() []publishCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]publishCall(nil), f.published...)
}

// Bodies returns the published bodies in order.
func (f *fakePeer) Bodies() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.published))
	for i, p := range f.published {
		out[i] = p.Body
	}
	return out
}

func (f *fakePeer) Fetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

// sentLine is one PRIVMSG written by a fake bot.
type sentLine struct {
	Channel string
	Line    string
}

// fakeBot is an IRC bot that records what it sends.
type fakeBot struct {
	name string

	mu    sync.Mutex
	sent  []sentLine
	inbox []bridge.InboundMessage
	seq   int
	// SendHook, when set, runs before each send; a non-nil result fails
	// the send.
	SendHook func(n int, channel, line string) error
	wake     chan<- struct{}
}

func newFakeBot(name string) *fakeBot {
	return &fakeBot{name: name}
}

func (b *fakeBot) Name() string { return b.name }

func (b *fakeBot) Send(ctx context.Context, channel, line string) error {
	if err := ctx.Err(); err != nil {
		return bridge.TransientSendError(err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.SendHook != nil {
		if err := b.SendHook(len(b.sent), channel, line); err != nil {
			return err
		}
	}
	b.sent = append(b.sent, sentLine{Channel: channel, Line: line})
	return nil
}

func (b *fakeBot) Drain() []bridge.InboundMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.inbox
	b.inbox = nil
	return out
}

// Say queues a channel message as if nick wrote it on IRC.
func (b *fakeBot) Say(channel, nick, text string) {
	b.mu.Lock()
	b.seq++
	b.inbox = append(b.inbox, bridge.InboundMessage{
		Source:    bridge.PlatformIRC,
		Channel:   channel,
		Author:    nick,
		Body:      text,
		NativeID:  fmt.Sprintf("%s:%d", b.name, b.seq),
		Timestamp: t0.Add(time.Duration(b.seq) * time.Second),
	})
	wake := b.wake
	b.mu.Unlock()
	if wake != nil {
		select {
		case wake <- struct{}{}:
		default:
		}
	}
}

// SayWithID queues a message with an explicit native id.
func (b *fakeBot) SayWithID(channel, nick, text, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inbox = append(b.inbox, bridge.InboundMessage{
		Source:    bridge.PlatformIRC,
		Channel:   channel,
		Author:    nick,
		Body:      text,
		NativeID:  id,
		Timestamp: t0,
	})
}

// Lines returns the sent lines without their channel.
func (b *fakeBot) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.sent))
	for i, s := range b.sent {
		out[i] = s.Line
	}
	return out
}

func (b *fakeBot) Sent() []sentLine {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]sentLine(nil), b.sent...)
}

func mustAddress(t testing.TB, s string) bridge.Address {
	t.Helper()
	addr, err := bridge.ParseAddress(s)
	if err != nil {
		t.Fatalf("ParseAddress(%q): %v", s, err)
	}
	return addr
}

// testConfig returns a valid config with one bot and the given routes
// (address, irc channel) on it.
func testConfig(routes ...[2]string) *Config {
	cfg := &Config{
		Urbit: UrbitConfig{URL: "http://localhost:8080", Ship: "~zod", Code: "lidlut-tabwed-pillex-ridrup"},
		Bots: []BotConfig{{
			Name:     "libera",
			Server:   "irc.libera.chat",
			Nickname: "urbit-bridge",
		}},
	}
	for _, r := range routes {
		cfg.Bots[0].Channels = append(cfg.Bots[0].Channels, ChannelGroup{Resource: r[0], IRCChannel: r[1]})
	}
	return cfg
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// relayHarness is a relay over a fake peer and one fake bot.
type relayHarness struct {
	relay *Relay
	peer  *fakePeer
	bot   *fakeBot
	reg   *Registry
	m     *Metrics
	clock *fakeClock
}

func newRelayHarness(t *testing.T, tweak func(*RelayConfig), routes ...[2]string) *relayHarness {
	t.Helper()
	cfg := testConfig(routes...)
	if tweak != nil {
		tweak(&cfg.Relay)
	}
	if err := cfg.PostProcess(); err != nil {
		t.Fatalf("PostProcess: %v", err)
	}
	reg, err := LoadRegistry(cfg)
	if err != nil {
		t.Fatalf("LoadRegistry: %v", err)
	}
	h := &relayHarness{
		peer:  newFakePeer(),
		bot:   newFakeBot("libera"),
		reg:   reg,
		m:     NewMetrics(),
		clock: &fakeClock{now: t0},
	}
	wake := make(chan struct{}, 1)
	h.bot.wake = wake
	h.relay = NewRelay(RelayParams{
		Config:   cfg.Relay,
		Registry: reg,
		Peer:     h.peer,
		Bots:     []IRCBot{h.bot},
		Metrics:  h.m,
		Wake:     wake,
		Log:      zerolog.Nop(),
		Now:      h.clock.Now,
	})
	return h
}
