// Copyright 2024-2026 Aiku AI

package connector

import (
	"fmt"

	"github.com/samber/lo"

	"github.com/fitnub-bosbud/UrbitIrcBridge/pkg/bridge"
	"github.com/fitnub-bosbud/UrbitIrcBridge/pkg/ircbot"
)

// ChannelPair is one relay route between an Urbit chat and an IRC channel
// on a given bot. It is immutable once loaded.
type ChannelPair struct {
	ID      bridge.PairID
	Address bridge.Address
	Bot     string
	Channel string
}

type route struct {
	bot     string
	channel string
}

// Registry is the validated, read-only set of channel pairs.
type Registry struct {
	pairs   []ChannelPair
	bots    []string
	byID    map[bridge.PairID]ChannelPair
	byBot   map[string][]ChannelPair
	byRoute map[route][]ChannelPair
}

// LoadRegistry builds the registry from the bots' nested channel groups
// followed by the top-level channel groups. Pairs are grouped by bot in the
// order bots are declared.
func LoadRegistry(cfg *Config) (*Registry, error) {
	declared := lo.SliceToMap(cfg.Bots, func(b BotConfig) (string, bool) { return b.Name, true })

	var pairs []ChannelPair
	seen := make(map[bridge.PairID]string)
	add := func(field, bot string, g ChannelGroup) error {
		if !declared[bot] {
			return configErrorf(field+".bot", "undeclared IRC bot %q", bot)
		}
		if !ircbot.IsChannelName(g.IRCChannel) {
			return configErrorf(field+".irc_channel", "%q is not an IRC channel name", g.IRCChannel)
		}
		addr, err := groupAddress(g)
		if err != nil {
			return &ConfigError{Field: field, Err: err}
		}
		p := ChannelPair{
			ID:      bridge.MakePairID(addr, bot, g.IRCChannel),
			Address: addr,
			Bot:     bot,
			Channel: g.IRCChannel,
		}
		if prev, dup := seen[p.ID]; dup {
			return configErrorf(field, "duplicate route %s (first declared at %s)", p.ID, prev)
		}
		seen[p.ID] = field
		pairs = append(pairs, p)
		return nil
	}

	for i, b := range cfg.Bots {
		for j, g := range b.Channels {
			if g.Bot != "" && g.Bot != b.Name {
				return nil, configErrorf(fmt.Sprintf("bots[%d].channels[%d].bot", i, j),
					"group nested under %q names bot %q", b.Name, g.Bot)
			}
			if err := add(fmt.Sprintf("bots[%d].channels[%d]", i, j), b.Name, g); err != nil {
				return nil, err
			}
		}
	}
	for i, g := range cfg.ChannelGroups {
		if err := add(fmt.Sprintf("channel_groups[%d]", i), g.Bot, g); err != nil {
			return nil, err
		}
	}

	grouped := lo.GroupBy(pairs, func(p ChannelPair) string { return p.Bot })
	r := &Registry{
		bots:    lo.Map(cfg.Bots, func(b BotConfig, _ int) string { return b.Name }),
		byID:    lo.KeyBy(pairs, func(p ChannelPair) bridge.PairID { return p.ID }),
		byBot:   grouped,
		byRoute: lo.GroupBy(pairs, func(p ChannelPair) route { return route{p.Bot, bridge.FoldChannel(p.Channel)} }),
	}
	for _, bot := range r.bots {
		r.pairs = append(r.pairs, grouped[bot]...)
	}
	return r, nil
}

func groupAddress(g ChannelGroup) (bridge.Address, error) {
	if g.Resource != "" {
		if g.ResourceShip != "" || g.UrbitChannel != "" {
			return bridge.Address{}, fmt.Errorf("resource cannot be combined with resource_ship/urbit_channel")
		}
		return bridge.ParseAddress(g.Resource)
	}
	if g.ResourceShip == "" || g.UrbitChannel == "" {
		return bridge.Address{}, fmt.Errorf("chat address needs resource_ship and urbit_channel")
	}
	return bridge.NewAddress(g.ResourceShip, g.UrbitChannel)
}

// Pairs returns every pair, grouped by bot in declaration order.
func (r *Registry) Pairs() []ChannelPair {
	return r.pairs
}

// Bots returns the declared bot names, including bots without pairs.
func (r *Registry) Bots() []string {
	return r.bots
}

// ForBot returns the pairs served by bot.
func (r *Registry) ForBot(bot string) []ChannelPair {
	return r.byBot[bot]
}

// Channels returns the distinct IRC channels bot must join.
func (r *Registry) Channels(bot string) []string {
	uniq := lo.UniqBy(r.byBot[bot], func(p ChannelPair) string { return bridge.FoldChannel(p.Channel) })
	return lo.Map(uniq, func(p ChannelPair, _ int) string { return p.Channel })
}

// Route returns the pairs a message seen by bot in channel belongs to.
func (r *Registry) Route(bot, channel string) []ChannelPair {
	return r.byRoute[route{bot, bridge.FoldChannel(channel)}]
}

// Get looks up a pair by id.
func (r *Registry) Get(id bridge.PairID) (ChannelPair, bool) {
	p, ok := r.byID[id]
	return p, ok
}
