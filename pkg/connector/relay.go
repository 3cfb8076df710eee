// Copyright 2024-2026 Aiku AI

package connector

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/creachadair/mds/queue"
	"github.com/rs/zerolog"
	"go.mau.fi/util/jsontime"

	"github.com/fitnub-bosbud/UrbitIrcBridge/pkg/bridge"
)

// PeerNetwork is the Urbit side of the bridge as seen by the relay.
// FetchSince may return messages together with an error classified as
// bridge.ErrFetchGap when it could not reach back to since.
type PeerNetwork interface {
	FetchSince(ctx context.Context, addr bridge.Address, since time.Time) ([]bridge.InboundMessage, error)
	Publish(ctx context.Context, addr bridge.Address, body string) (string, error)
}

// IRCBot is one IRC connection as seen by the relay.
type IRCBot interface {
	Name() string
	Send(ctx context.Context, channel, line string) error
	Drain() []bridge.InboundMessage
}

// ErrUnknownPair is returned by Enable for an id not in the registry.
var ErrUnknownPair = errors.New("unknown pair")

// partialSend remembers how many lines of a multi-line message reached IRC
// before a send failed.
type partialSend struct {
	nativeID string
	sent     int
}

// pairState is owned by the tick goroutine.
type pairState struct {
	pair ChannelPair

	toIRC   bridge.Watermark
	toUrbit bridge.Watermark
	// floor is when the pair started or was last re-enabled. Urbit posts
	// sent before it are never relayed.
	floor time.Time
	// seenToIRC holds Urbit ids already on IRC, including posts the bridge
	// published itself.
	seenToIRC   *DedupWindow
	seenToUrbit *DedupWindow
	partial     *partialSend
	pending     *queue.Queue[bridge.InboundMessage]

	wasDisabled bool
	lastError   string
	relayed     [2]uint64
}

// WatermarkStatus is the JSON form of one direction of a pair.
type WatermarkStatus struct {
	At       jsontime.UnixMilli `json:"at"`
	NativeID string             `json:"native_id,omitempty"`
	Relayed  uint64             `json:"relayed"`
}

// PairStatus is a snapshot of a pair, served by the admin API.
type PairStatus struct {
	ID             bridge.PairID   `json:"id"`
	Urbit          string          `json:"urbit"`
	Bot            string          `json:"bot"`
	IRCChannel     string          `json:"irc_channel"`
	Disabled       bool            `json:"disabled"`
	DisabledReason string          `json:"disabled_reason,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	Pending        int             `json:"pending"`
	ToIRC          WatermarkStatus `json:"urbit_to_irc"`
	ToUrbit        WatermarkStatus `json:"irc_to_urbit"`
}

// RelayParams are the collaborators of a Relay.
type RelayParams struct {
	Config   RelayConfig
	Registry *Registry
	Peer     PeerNetwork
	Bots     []IRCBot
	Metrics  *Metrics
	// Wake triggers an IRC flush between ticks. May be nil.
	Wake <-chan struct{}
	Log  zerolog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// Relay pumps messages between every registered pair. All per-pair state
// lives here.
type Relay struct {
	cfg      RelayConfig
	log      zerolog.Logger
	registry *Registry
	peer     PeerNetwork
	bots     map[string]IRCBot
	botOrder []string
	metrics  *Metrics
	wake     <-chan struct{}
	now      func() time.Time

	// tickMu keeps ticks from overlapping; it guards pairs.
	tickMu sync.Mutex
	pairs  []*pairState
	byID   map[bridge.PairID]*pairState

	mu       sync.Mutex
	status   map[bridge.PairID]PairStatus
	disabled map[bridge.PairID]string
}

func NewRelay(p RelayParams) *Relay {
	if p.Metrics == nil {
		p.Metrics = NewMetrics()
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	cfg := p.Config
	cfg.TickInterval = cmp.Or(cfg.TickInterval, DefaultTickInterval)
	cfg.FetchTimeout = cmp.Or(cfg.FetchTimeout, DefaultFetchTimeout)
	cfg.SendTimeout = cmp.Or(cfg.SendTimeout, DefaultSendTimeout)
	cfg.FetchLookback = cmp.Or(cfg.FetchLookback, DefaultFetchLookback)
	r := &Relay{
		cfg:      cfg,
		log:      p.Log.With().Str("component", "relay").Logger(),
		registry: p.Registry,
		peer:     p.Peer,
		bots:     make(map[string]IRCBot, len(p.Bots)),
		metrics:  p.Metrics,
		wake:     p.Wake,
		now:      p.Now,
		byID:     make(map[bridge.PairID]*pairState),
		status:   make(map[bridge.PairID]PairStatus),
		disabled: make(map[bridge.PairID]string),
	}
	for _, b := range p.Bots {
		r.bots[b.Name()] = b
		r.botOrder = append(r.botOrder, b.Name())
	}
	start := r.now()
	for _, pair := range p.Registry.Pairs() {
		st := &pairState{
			pair:        pair,
			toIRC:       bridge.Watermark{At: start},
			floor:       start.Truncate(time.Millisecond),
			seenToIRC:   NewDedupWindow(r.cfg.DedupWindow),
			seenToUrbit: NewDedupWindow(r.cfg.DedupWindow),
			pending:     queue.New[bridge.InboundMessage](),
		}
		r.pairs = append(r.pairs, st)
		r.byID[pair.ID] = st
		r.status[pair.ID] = st.snapshot("")
	}
	return r
}

// Run ticks until ctx is cancelled. Between ticks a wake signal flushes
// the IRC queues without polling Urbit.
func (r *Relay) Run(ctx context.Context) error {
	interval := r.cfg.TickInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.log.Info().Int("pairs", len(r.pairs)).Dur("interval", interval).Msg("Relay started")
	r.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("Relay stopped")
			return nil
		case <-ticker.C:
			r.Tick(ctx)
		case <-r.wake:
			r.FlushIRC(ctx)
		}
	}
}

// Tick runs one full relay pass: Urbit to IRC for every pair, then IRC to
// Urbit. Errors are handled per pair and never abort the pass.
func (r *Relay) Tick(ctx context.Context) {
	r.tickMu.Lock()
	defer r.tickMu.Unlock()
	started := r.now()
	defer func() { r.metrics.TickDuration.Observe(r.now().Sub(started).Seconds()) }()

	for _, st := range r.pairs {
		if ctx.Err() != nil {
			return
		}
		if r.checkDisabled(st) {
			continue
		}
		r.pullPeer(ctx, st)
	}
	r.flushIRC(ctx)
}

// FlushIRC relays whatever the bots have queued, without polling Urbit.
func (r *Relay) FlushIRC(ctx context.Context) {
	r.tickMu.Lock()
	defer r.tickMu.Unlock()
	r.flushIRC(ctx)
}

func (r *Relay) flushIRC(ctx context.Context) {
	for _, name := range r.botOrder {
		for _, msg := range r.bots[name].Drain() {
			r.route(name, msg)
		}
	}
	for _, st := range r.pairs {
		if ctx.Err() != nil {
			break
		}
		if r.checkDisabled(st) {
			continue
		}
		r.pushPeer(ctx, st)
	}
	r.publishStatus()
}

// route appends an IRC message to the retry queue of every pair it
// belongs to.
func (r *Relay) route(bot string, msg bridge.InboundMessage) {
	for _, pair := range r.registry.Route(bot, msg.Channel) {
		st := r.byID[pair.ID]
		if r.isDisabled(pair.ID) {
			r.metrics.dropped(bridge.ToUrbit, dropPairDisabled)
			continue
		}
		if limit := r.cfg.RetryLimit; limit > 0 && st.pending.Len() >= limit {
			dropped, _ := st.pending.Pop()
			r.metrics.dropped(bridge.ToUrbit, dropRetryOverflow)
			r.log.Warn().
				Str("pair", string(pair.ID)).
				Str("native_id", dropped.NativeID).
				Msg("Retry queue full, dropping oldest IRC message")
		}
		st.pending.Add(msg)
	}
}

// callContext bounds one network call. It is detached from ctx so a call
// already started finishes or times out on shutdown.
func callContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}

// pullPeer relays new Urbit messages of one pair to IRC.
func (r *Relay) pullPeer(ctx context.Context, st *pairState) {
	log := r.log.With().Str("pair", string(st.pair.ID)).Logger()
	bot, ok := r.bots[st.pair.Bot]
	if !ok {
		r.pairError(st, bridge.ToIRC, fmt.Errorf("no running bot %q", st.pair.Bot))
		return
	}

	fctx, cancel := callContext(ctx, r.cfg.FetchTimeout)
	msgs, err := r.peer.FetchSince(fctx, st.pair.Address, r.fetchFrom(st))
	cancel()
	if errors.Is(err, bridge.ErrFetchGap) {
		log.Warn().Err(err).Int("fetched", len(msgs)).Msg("Urbit history only partly fetched, older messages skipped")
		r.metrics.failed(err)
		r.metrics.dropped(bridge.ToIRC, dropFetchGap)
	} else if err != nil {
		r.pairError(st, bridge.ToIRC, err)
		return
	}

	for _, msg := range msgs {
		if st.seenToIRC.Contains(msg.NativeID) || msg.Timestamp.Before(st.floor) {
			continue
		}
		lines, err := r.translateToIRC(msg)
		if err != nil {
			log.Warn().Err(err).Str("native_id", msg.NativeID).Msg("Dropping Urbit message")
			r.metrics.failed(err)
			r.metrics.dropped(bridge.ToIRC, dropTooLarge)
			r.markRelayedToIRC(st, msg)
			continue
		}
		if len(lines) == 0 {
			r.metrics.dropped(bridge.ToIRC, dropEmpty)
			r.markRelayedToIRC(st, msg)
			continue
		}

		first := 0
		if st.partial != nil && st.partial.nativeID == msg.NativeID {
			first = st.partial.sent
		}
		for i := first; i < len(lines); i++ {
			sctx, cancel := callContext(ctx, r.cfg.SendTimeout)
			err := bot.Send(sctx, st.pair.Channel, lines[i])
			cancel()
			if err != nil {
				st.partial = &partialSend{nativeID: msg.NativeID, sent: i}
				r.pairError(st, bridge.ToIRC, err)
				return
			}
		}
		r.markRelayedToIRC(st, msg)
		st.relayed[bridge.ToIRC]++
		r.metrics.relayed(st.pair.ID, bridge.ToIRC)
		log.Debug().Str("native_id", msg.NativeID).Str("author", msg.Author).Int("lines", len(lines)).Msg("Relayed Urbit message to IRC")
	}
}

// fetchFrom is the time a poll asks Urbit for posts after. It reaches
// FetchLookback behind the watermark because posts from other ships can
// arrive after newer ones; seenToIRC drops those already relayed. It never
// reaches before the floor.
func (r *Relay) fetchFrom(st *pairState) time.Time {
	from := st.toIRC.At.Add(-r.cfg.FetchLookback)
	if from.Before(st.floor) {
		from = st.floor
	}
	// Posts in the floor's own millisecond count as after it.
	return from.Add(-time.Millisecond)
}

func (r *Relay) markRelayedToIRC(st *pairState, msg bridge.InboundMessage) {
	st.partial = nil
	st.seenToIRC.Add(msg.NativeID)
	st.toIRC.Advance(msg)
}

// pushPeer publishes the queued IRC messages of one pair, oldest first,
// until the queue is empty or a publish fails.
func (r *Relay) pushPeer(ctx context.Context, st *pairState) {
	log := r.log.With().Str("pair", string(st.pair.ID)).Logger()
	for !st.pending.IsEmpty() {
		if ctx.Err() != nil {
			return
		}
		msg, _ := st.pending.Peek(0)
		if st.seenToUrbit.Contains(msg.NativeID) {
			st.pending.Pop()
			r.metrics.dropped(bridge.ToUrbit, dropDuplicate)
			continue
		}
		body, err := r.translateToPeer(msg)
		if err != nil {
			st.pending.Pop()
			log.Warn().Err(err).Str("native_id", msg.NativeID).Msg("Dropping IRC message")
			r.metrics.failed(err)
			r.metrics.dropped(bridge.ToUrbit, dropTooLarge)
			continue
		}
		if body == "" {
			st.pending.Pop()
			r.metrics.dropped(bridge.ToUrbit, dropEmpty)
			continue
		}

		pctx, cancel := callContext(ctx, r.cfg.SendTimeout)
		postID, err := r.peer.Publish(pctx, st.pair.Address, body)
		cancel()
		if errors.Is(err, bridge.ErrPermanentPublish) {
			r.disable(st, err)
			return
		} else if err != nil {
			r.pairError(st, bridge.ToUrbit, err)
			return
		}

		st.pending.Pop()
		st.seenToUrbit.Add(msg.NativeID)
		// Echo suppression: our own post comes back on the next fetch.
		st.seenToIRC.Add(postID)
		st.toUrbit.Advance(msg)
		st.relayed[bridge.ToUrbit]++
		r.metrics.relayed(st.pair.ID, bridge.ToUrbit)
		log.Debug().Str("native_id", msg.NativeID).Str("post_id", postID).Str("author", msg.Author).Msg("Relayed IRC message to Urbit")
	}
}

func (r *Relay) pairError(st *pairState, dir bridge.Direction, err error) {
	st.lastError = err.Error()
	r.metrics.failed(err)
	r.log.Warn().Err(err).
		Str("pair", string(st.pair.ID)).
		Stringer("direction", dir).
		Msg("Relay step failed, retrying next tick")
}

// disable takes a pair out of service after a permanent error.
func (r *Relay) disable(st *pairState, err error) {
	st.lastError = err.Error()
	st.wasDisabled = true
	dropped := st.pending.Len()
	st.pending = queue.New[bridge.InboundMessage]()
	st.partial = nil
	r.metrics.failed(err)

	r.mu.Lock()
	r.disabled[st.pair.ID] = err.Error()
	n := len(r.disabled)
	r.mu.Unlock()
	r.metrics.DisabledPairs.Set(float64(n))

	r.log.Error().Err(err).
		Str("pair", string(st.pair.ID)).
		Int("dropped_pending", dropped).
		Msg("Disabling pair after permanent error")
}

func (r *Relay) isDisabled(id bridge.PairID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.disabled[id]
	return ok
}

// checkDisabled reports whether st is disabled. A pair re-enabled since the
// last tick restarts from the current time instead of replaying the
// backlog.
func (r *Relay) checkDisabled(st *pairState) bool {
	if r.isDisabled(st.pair.ID) {
		return true
	}
	if st.wasDisabled {
		st.wasDisabled = false
		st.lastError = ""
		st.floor = r.now().Truncate(time.Millisecond)
		st.toIRC = bridge.Watermark{At: st.floor}
		r.log.Info().Str("pair", string(st.pair.ID)).Msg("Pair re-enabled")
	}
	return false
}

// Enable puts a disabled pair back into service. It reports whether the
// pair was disabled.
func (r *Relay) Enable(id bridge.PairID) (bool, error) {
	if _, ok := r.registry.Get(id); !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownPair, id)
	}
	r.mu.Lock()
	_, was := r.disabled[id]
	delete(r.disabled, id)
	n := len(r.disabled)
	if st, ok := r.status[id]; ok && was {
		st.Disabled = false
		st.DisabledReason = ""
		r.status[id] = st
	}
	r.mu.Unlock()
	r.metrics.DisabledPairs.Set(float64(n))
	return was, nil
}

func (st *pairState) snapshot(disabledReason string) PairStatus {
	return PairStatus{
		ID:             st.pair.ID,
		Urbit:          st.pair.Address.String(),
		Bot:            st.pair.Bot,
		IRCChannel:     st.pair.Channel,
		Disabled:       disabledReason != "",
		DisabledReason: disabledReason,
		LastError:      st.lastError,
		Pending:        st.pending.Len(),
		ToIRC: WatermarkStatus{
			At:       jsontime.UnixMilli{Time: st.toIRC.At},
			NativeID: st.toIRC.NativeID,
			Relayed:  st.relayed[bridge.ToIRC],
		},
		ToUrbit: WatermarkStatus{
			At:       jsontime.UnixMilli{Time: st.toUrbit.At},
			NativeID: st.toUrbit.NativeID,
			Relayed:  st.relayed[bridge.ToUrbit],
		},
	}
}

func (r *Relay) publishStatus() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, st := range r.pairs {
		r.status[st.pair.ID] = st.snapshot(r.disabled[st.pair.ID])
	}
}

// Status returns a snapshot of every pair in registry order, as of the
// end of the last tick.
func (r *Relay) Status() []PairStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]PairStatus, 0, len(r.pairs))
	for _, p := range r.registry.Pairs() {
		out = append(out, r.status[p.ID])
	}
	return out
}
