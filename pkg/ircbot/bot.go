// Copyright 2024-2026 Aiku AI

package ircbot

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/mds/queue"
	"github.com/rs/zerolog"
	"gopkg.in/irc.v4"

	"github.com/fitnub-bosbud/UrbitIrcBridge/pkg/bridge"
)

// State is the connection state of a Bot.
type State int32

const (
	StateDisconnected State = iota
	// StateConnecting covers dialing, registration and waiting to rejoin.
	StateConnecting
	// StateJoined means the bot is in at least one bridged channel.
	StateJoined
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateJoined:
		return "joined"
	case StateStopped:
		return "stopped"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

const (
	DefaultPort          = 6667
	DefaultPingFrequency = time.Minute
	DefaultPingTimeout   = 2 * time.Minute
	DefaultRejoinDelay   = 10 * time.Second
	defaultDialTimeout   = 30 * time.Second
	quitTimeout          = 2 * time.Second
	maxJoinLineBytes     = 400
)

// Config describes one IRC connection and the channels it serves.
type Config struct {
	Name     string
	Server   string
	Port     int
	TLS      bool
	Insecure bool
	Nickname string
	Realname string
	Password string

	Channels    []string
	IgnoreNicks []string

	PingFrequency  time.Duration
	PingTimeout    time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	DialTimeout    time.Duration
	// RejoinDelay is how long the bot waits before rejoining a channel it
	// was kicked from or parted.
	RejoinDelay time.Duration
}

// Addr returns host:port of the configured server.
func (c Config) Addr() string {
	port := c.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(c.Server, strconv.Itoa(port))
}

// DialFunc opens the raw connection to the IRC server.
type DialFunc func(ctx context.Context) (net.Conn, error)

// Option configures a Bot.
type Option func(*Bot)

// WithDialer replaces the TCP/TLS dialer.
func WithDialer(d DialFunc) Option {
	return func(b *Bot) { b.dial = d }
}

// WithWake makes the bot signal ch (without blocking) whenever a message is
// queued.
func WithWake(ch chan<- struct{}) Option {
	return func(b *Bot) { b.wake = ch }
}

// WithStateHook registers a callback invoked on every state change.
func WithStateHook(fn func(bot string, s State)) Option {
	return func(b *Bot) { b.onState = fn }
}

// Bot is a single reconnecting IRC connection. Messages seen in configured
// channels are buffered until Drain is called.
type Bot struct {
	cfg     Config
	log     zerolog.Logger
	dial    DialFunc
	wake    chan<- struct{}
	onState func(string, State)
	backoff *Backoff
	now     func() time.Time

	state atomic.Int32
	seq   atomic.Uint64

	channels mapset.Set[string]

	mu     sync.Mutex
	client *irc.Client
	conn   net.Conn
	joined mapset.Set[string]
	inbox  *queue.Queue[bridge.InboundMessage]
}

// New creates a bot. It does not connect until Run is called.
func New(cfg Config, log zerolog.Logger, opts ...Option) *Bot {
	if cfg.PingFrequency == 0 {
		cfg.PingFrequency = DefaultPingFrequency
	}
	if cfg.PingTimeout == 0 {
		cfg.PingTimeout = DefaultPingTimeout
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.RejoinDelay == 0 {
		cfg.RejoinDelay = DefaultRejoinDelay
	}
	if cfg.Realname == "" {
		cfg.Realname = cfg.Nickname
	}
	b := &Bot{
		cfg:      cfg,
		log:      log.With().Str("component", "irc_bot").Str("bot", cfg.Name).Logger(),
		backoff:  NewBackoff(cfg.InitialBackoff, cfg.MaxBackoff),
		now:      time.Now,
		channels: mapset.New[string](),
		joined:   mapset.New[string](),
		inbox:    queue.New[bridge.InboundMessage](),
	}
	for _, ch := range cfg.Channels {
		b.channels.Add(bridge.FoldChannel(ch))
	}
	b.dial = b.dialServer
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the configured bot name.
func (b *Bot) Name() string { return b.cfg.Name }

// State returns the current connection state.
func (b *Bot) State() State { return State(b.state.Load()) }

func (b *Bot) setState(s State) {
	if State(b.state.Swap(int32(s))) == s {
		return
	}
	b.log.Debug().Stringer("state", s).Msg("IRC bot state changed")
	if b.onState != nil {
		b.onState(b.cfg.Name, s)
	}
}

// Run connects and keeps the bot connected until ctx is cancelled,
// reconnecting with exponential backoff. It returns nil on shutdown.
func (b *Bot) Run(ctx context.Context) error {
	defer b.setState(StateStopped)
	for {
		b.setState(StateConnecting)
		err := b.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		b.setState(StateDisconnected)
		delay := b.backoff.Next()
		b.log.Warn().Err(err).Dur("retry_in", delay).Msg("IRC connection lost, reconnecting")

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// session runs one connection from dial until it drops.
func (b *Bot) session(ctx context.Context) error {
	b.log.Info().Str("server", b.cfg.Addr()).Bool("tls", b.cfg.TLS).Msg("Connecting to IRC server")
	conn, err := b.dial(ctx)
	if err != nil {
		return fmt.Errorf("dial %s: %w", b.cfg.Addr(), err)
	}

	client := irc.NewClient(conn, irc.ClientConfig{
		Nick:          b.cfg.Nickname,
		Pass:          b.cfg.Password,
		User:          b.cfg.Nickname,
		Name:          b.cfg.Realname,
		PingFrequency: b.cfg.PingFrequency,
		PingTimeout:   b.cfg.PingTimeout,
		Handler:       irc.HandlerFunc(b.handle),
	})

	b.mu.Lock()
	b.client = client
	b.conn = conn
	b.joined = mapset.New[string]()
	b.mu.Unlock()

	// The connection context outlives ctx so QUIT goes out before the
	// client loop is torn down.
	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		select {
		case <-ctx.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(quitTimeout))
			_ = client.WriteMessage(&irc.Message{Command: "QUIT", Params: []string{"bridge shutting down"}})
			cancel()
		case <-connCtx.Done():
		}
		_ = conn.Close()
	}()

	err = client.RunContext(connCtx)
	cancel()
	<-closed

	b.mu.Lock()
	b.client = nil
	b.conn = nil
	b.joined = mapset.New[string]()
	b.mu.Unlock()

	if err == nil {
		err = io.EOF
	}
	return err
}

func (b *Bot) dialServer(ctx context.Context) (net.Conn, error) {
	d := &net.Dialer{Timeout: b.cfg.DialTimeout, KeepAlive: 30 * time.Second}
	if !b.cfg.TLS {
		return d.DialContext(ctx, "tcp", b.cfg.Addr())
	}
	td := &tls.Dialer{
		NetDialer: d,
		Config: &tls.Config{
			ServerName:         b.cfg.Server,
			InsecureSkipVerify: b.cfg.Insecure, //nolint:gosec // opt-in for self-signed networks
			MinVersion:         tls.VersionTLS12,
		},
	}
	return td.DialContext(ctx, "tcp", b.cfg.Addr())
}

// Send writes one PRIVMSG line to channel. It fails with a transient send
// error when the bot is not currently joined to the channel.
func (b *Bot) Send(ctx context.Context, channel, line string) error {
	if err := ctx.Err(); err != nil {
		return bridge.TransientSendError(err)
	}
	b.mu.Lock()
	client, conn := b.client, b.conn
	joined := b.joined.Has(bridge.FoldChannel(channel))
	b.mu.Unlock()

	if client == nil {
		return bridge.TransientSendError(fmt.Errorf("bot %s is not connected", b.cfg.Name))
	}
	if !joined {
		return bridge.TransientSendError(fmt.Errorf("bot %s is not in %s", b.cfg.Name, channel))
	}
	if strings.ContainsAny(line, "\r\n") {
		return fmt.Errorf("line contains a line break")
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
		defer conn.SetWriteDeadline(time.Time{})
	}
	err := client.WriteMessage(&irc.Message{Command: "PRIVMSG", Params: []string{channel, line}})
	if err != nil {
		return bridge.TransientSendError(fmt.Errorf("write to %s: %w", channel, err))
	}
	return nil
}

// Joined reports whether the bot is currently in channel.
func (b *Bot) Joined(channel string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.joined.Has(bridge.FoldChannel(channel))
}

// Drain removes and returns every buffered inbound message, oldest first.
func (b *Bot) Drain() []bridge.InboundMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.inbox.IsEmpty() {
		return nil
	}
	out := make([]bridge.InboundMessage, 0, b.inbox.Len())
	for {
		msg, ok := b.inbox.Pop()
		if !ok {
			break
		}
		out = append(out, msg)
	}
	return out
}

func (b *Bot) enqueue(msg bridge.InboundMessage) {
	b.mu.Lock()
	b.inbox.Add(msg)
	b.mu.Unlock()
	if b.wake == nil {
		return
	}
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

var errNotConnected = errors.New("not connected")

// join sends JOIN for channels, batching several per line.
func (b *Bot) join(channels []string) error {
	b.mu.Lock()
	client := b.client
	b.mu.Unlock()
	if client == nil {
		return errNotConnected
	}
	for _, batch := range joinBatches(channels, maxJoinLineBytes) {
		if err := client.WriteMessage(&irc.Message{Command: "JOIN", Params: []string{batch}}); err != nil {
			return err
		}
	}
	return nil
}

// joinBatches packs channel names into comma-separated groups no longer
// than limit bytes.
func joinBatches(channels []string, limit int) []string {
	var out []string
	var cur strings.Builder
	for _, ch := range channels {
		if cur.Len() > 0 && cur.Len()+1+len(ch) > limit {
			out = append(out, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte(',')
		}
		cur.WriteString(ch)
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}
