// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/rs/zerolog"

	"github.com/fitnub-bosbud/UrbitIrcBridge/pkg/bridge"
	"github.com/fitnub-bosbud/UrbitIrcBridge/pkg/ircbot"
	"github.com/fitnub-bosbud/UrbitIrcBridge/pkg/urbit"
)

const shutdownTimeout = 5 * time.Second

// Connector wires the Urbit client, the IRC bots and the relay together and
// owns their lifecycle.
type Connector struct {
	Config   *Config
	Registry *Registry
	Metrics  *Metrics
	Relay    *Relay
	Urbit    *urbit.Client
	Bots     []*ircbot.Bot

	log zerolog.Logger
}

// New builds a connector from a validated config. Nothing connects until
// Run is called.
func New(cfg *Config, log zerolog.Logger) (*Connector, error) {
	reg, err := LoadRegistry(cfg)
	if err != nil {
		return nil, err
	}
	c := &Connector{
		Config:   cfg,
		Registry: reg,
		Metrics:  NewMetrics(),
		Urbit:    urbit.NewClient(cfg.UrbitClientConfig(), log),
		log:      log.With().Str("component", "connector").Logger(),
	}

	wake := make(chan struct{}, 1)
	var relayBots []IRCBot
	for i := range cfg.Bots {
		b := &cfg.Bots[i]
		channels := reg.Channels(b.Name)
		if len(channels) == 0 {
			c.log.Warn().Str("bot", b.Name).Msg("Bot has no channel groups, not connecting it")
			continue
		}
		bot := ircbot.New(b.BotClientConfig(channels), log,
			ircbot.WithWake(wake),
			ircbot.WithStateHook(c.Metrics.ObserveBotState),
		)
		c.Bots = append(c.Bots, bot)
		relayBots = append(relayBots, bot)
	}

	c.Relay = NewRelay(RelayParams{
		Config:   cfg.Relay,
		Registry: reg,
		Peer:     c.Urbit,
		Bots:     relayBots,
		Metrics:  c.Metrics,
		Wake:     wake,
		Log:      log,
	})
	return c, nil
}

// Run logs in to the ship, then runs the bots, the relay and the admin API
// until ctx is cancelled. A failed login is returned immediately.
func (c *Connector) Run(ctx context.Context) error {
	lctx, cancel := context.WithTimeout(ctx, c.Config.Urbit.RequestTimeout)
	err := c.Urbit.Login(lctx)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to log in to %s: %w", c.Config.Urbit.URL, err)
	}
	c.log.Info().
		Str("ship", c.Urbit.Ship()).
		Int("pairs", len(c.Registry.Pairs())).
		Int("bots", len(c.Bots)).
		Msg("Logged in, starting bridge")

	var admin *http.Server
	if c.Config.AdminAPIAddr != "" {
		ln, err := net.Listen("tcp", c.Config.AdminAPIAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on admin API address: %w", err)
		}
		admin = c.newAdminServer()
		go func() {
			c.log.Info().Str("addr", ln.Addr().String()).Msg("Starting bridge admin API")
			if err := admin.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				c.log.Error().Err(err).Msg("Bridge admin API error")
			}
		}()
	}

	g := taskgroup.New(nil)
	for _, bot := range c.Bots {
		g.Go(func() error { return bot.Run(ctx) })
	}
	g.Go(func() error { return c.Relay.Run(ctx) })
	runErr := g.Wait()

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if admin != nil {
		if err := admin.Shutdown(sctx); err != nil {
			c.log.Warn().Err(err).Msg("Admin API did not shut down cleanly")
		}
	}
	if err := c.Urbit.Close(sctx); err != nil {
		c.log.Warn().Err(err).Msg("Failed to close Urbit channel")
	}
	c.log.Info().Msg("Bridge stopped")
	return runErr
}

func (c *Connector) newAdminServer() *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/pairs", c.HandlePairs)
	mux.HandleFunc("/api/pairs/enable", c.HandleEnablePair)
	mux.Handle("/metrics", c.Metrics.Handler())
	return &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// HandlePairs is an HTTP handler for GET /api/pairs.
func (c *Connector) HandlePairs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	c.writeJSON(w, http.StatusOK, map[string]any{"pairs": c.Relay.Status()})
}

// maxEnableBodySize is the maximum allowed request body for pair enable (64 KB).
const maxEnableBodySize = 64 << 10

type enableRequest struct {
	Pair bridge.PairID `json:"pair"`
}

// HandleEnablePair is an HTTP handler for POST /api/pairs/enable. It
// re-enables a pair disabled after a permanent publish error.
func (c *Connector) HandleEnablePair(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxEnableBodySize)
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	var req enableRequest
	if err := json.Unmarshal(body, &req); err != nil || req.Pair == "" {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	was, err := c.Relay.Enable(req.Pair)
	if errors.Is(err, ErrUnknownPair) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	c.log.Info().
		Str("remote_addr", r.RemoteAddr).
		Str("pair", string(req.Pair)).
		Bool("was_disabled", was).
		Msg("Pair enable requested")
	c.writeJSON(w, http.StatusOK, map[string]any{"pair": req.Pair, "was_disabled": was})
}

func (c *Connector) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		c.log.Warn().Err(err).Msg("Failed to write admin API response")
	}
}
