// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package urbit talks to an Urbit ship through the Eyre HTTP interface:
// it logs in with the ship's +code, polls chat graphs through graph-store
// scries and posts messages by poking graph-push-hook over an Eyre channel.
package urbit

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fitnub-bosbud/UrbitIrcBridge/pkg/bridge"
)

const (
	DefaultRequestTimeout = 10 * time.Second
	DefaultFetchCount     = 50
	DefaultMaxFetchPages  = 10
	defaultKeysTTL        = 5 * time.Minute
)

// Config holds the connection parameters of the bridge's own ship.
type Config struct {
	URL            string
	Ship           string
	Code           string
	RequestTimeout time.Duration
	// FetchCount is how many of the newest nodes one poll asks for.
	FetchCount int
	// MaxFetchPages bounds how many pages one poll reads while catching up.
	MaxFetchPages int
}

// Client is a logged-in session with one ship. It is safe for concurrent
// use; requests touching the same chat address are serialized.
type Client struct {
	cfg  Config
	http *resty.Client
	log  zerolog.Logger

	channelID   string
	channelOpen atomic.Bool
	nextID      atomic.Int64

	loginMu  sync.Mutex
	loggedIn bool

	locksMu sync.Mutex
	locks   map[bridge.Address]chan struct{}

	keysMu      sync.Mutex
	keys        map[bridge.Address]struct{}
	keysFetched time.Time
	keysTTL     time.Duration

	indexMu   sync.Mutex
	lastIndex *big.Int

	now func() time.Time
}

// NewClient creates a client. No request is made until the first fetch or
// publish, which logs in on demand.
func NewClient(cfg Config, log zerolog.Logger) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.FetchCount <= 0 {
		cfg.FetchCount = DefaultFetchCount
	}
	if cfg.MaxFetchPages <= 0 {
		cfg.MaxFetchPages = DefaultMaxFetchPages
	}
	cfg.Ship = bridge.NormalizeShip(cfg.Ship)
	hc := resty.New().
		SetBaseURL(strings.TrimRight(cfg.URL, "/")).
		SetTimeout(cfg.RequestTimeout).
		SetHeader("Accept", "application/json")
	return &Client{
		cfg:       cfg,
		http:      hc,
		log:       log.With().Str("component", "urbit_client").Str("ship", cfg.Ship).Logger(),
		channelID: "urbit-irc-bridge-" + uuid.NewString(),
		locks:     make(map[bridge.Address]chan struct{}),
		keysTTL:   defaultKeysTTL,
		now:       time.Now,
	}
}

// Ship returns the ship the client posts as.
func (c *Client) Ship() string {
	return c.cfg.Ship
}

// Login authenticates with the ship's +code. The session cookie is kept in
// the client's cookie jar.
func (c *Client) Login(ctx context.Context) error {
	c.loginMu.Lock()
	defer c.loginMu.Unlock()
	return c.loginLocked(ctx)
}

func (c *Client) loginLocked(ctx context.Context) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{"password": c.cfg.Code}).
		Post("/~/login")
	if err != nil {
		return fmt.Errorf("login request failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("login rejected: HTTP %d", resp.StatusCode())
	}
	c.loggedIn = true
	c.log.Info().Str("url", c.cfg.URL).Msg("Logged in to ship")
	return nil
}

func (c *Client) ensureLogin(ctx context.Context) error {
	c.loginMu.Lock()
	defer c.loginMu.Unlock()
	if c.loggedIn {
		return nil
	}
	return c.loginLocked(ctx)
}

func (c *Client) invalidateSession() {
	c.loginMu.Lock()
	c.loggedIn = false
	c.loginMu.Unlock()
}

// withSession runs req after making sure the client is logged in. When the
// ship answers 401 or 403 the session is treated as expired: the client
// logs in again and retries once.
func (c *Client) withSession(ctx context.Context, req func() (*resty.Response, error)) (*resty.Response, error) {
	if err := c.ensureLogin(ctx); err != nil {
		return nil, err
	}
	resp, err := req()
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden {
		c.log.Warn().Int("status", resp.StatusCode()).Msg("Session expired, logging in again")
		c.invalidateSession()
		if err := c.ensureLogin(ctx); err != nil {
			return nil, err
		}
		return req()
	}
	return resp, nil
}

// acquire takes the per-address request slot so that at most one request
// per chat is in flight.
func (c *Client) acquire(ctx context.Context, addr bridge.Address) (func(), error) {
	c.locksMu.Lock()
	sem, ok := c.locks[addr]
	if !ok {
		sem = make(chan struct{}, 1)
		c.locks[addr] = sem
	}
	c.locksMu.Unlock()

	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for request slot on %s: %w", addr, ctx.Err())
	}
}

// channelAction is one element of the JSON array PUT to an Eyre channel.
type channelAction struct {
	ID     int64  `json:"id"`
	Action string `json:"action"`
	Ship   string `json:"ship,omitempty"`
	App    string `json:"app,omitempty"`
	Mark   string `json:"mark,omitempty"`
	JSON   any    `json:"json,omitempty"`
}

func (c *Client) putChannel(ctx context.Context, actions ...channelAction) (*resty.Response, error) {
	return c.withSession(ctx, func() (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetHeader("Content-Type", "application/json").
			SetBody(actions).
			Put("/~/channel/" + c.channelID)
	})
}

// Close deletes the Eyre channel opened by Publish, if any.
func (c *Client) Close(ctx context.Context) error {
	if !c.channelOpen.Swap(false) {
		return nil
	}
	resp, err := c.putChannel(ctx, channelAction{ID: c.nextID.Add(1), Action: "delete"})
	if err != nil {
		return fmt.Errorf("failed to delete channel: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("failed to delete channel: HTTP %d", resp.StatusCode())
	}
	c.log.Debug().Str("channel_id", c.channelID).Msg("Deleted Eyre channel")
	return nil
}

// nextIndex returns the graph index for a post sent at now. Indices are
// strictly increasing per client: graph-store rejects a node whose index
// already exists, and Eyre acks the poke before graph-store sees it.
func (c *Client) nextIndex(now time.Time) string {
	c.indexMu.Lock()
	defer c.indexMu.Unlock()
	da := daFromTime(now)
	if c.lastIndex != nil && da.Cmp(c.lastIndex) <= 0 {
		da.Add(c.lastIndex, big.NewInt(1))
	}
	c.lastIndex = da
	return "/" + da.String()
}

var errUnknownResource = errors.New("chat does not exist on the bridge ship")
