// Copyright 2024-2026 Aiku AI

package urbit

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/fitnub-bosbud/UrbitIrcBridge/pkg/bridge"
)

// FetchSince returns the messages posted to addr after since, oldest
// first. It returns an empty slice when nothing is new and an error
// classified as bridge.ErrTransientFetch when the ship cannot be reached or
// answers with an error.
//
// The newest FetchCount nodes are read first. While a whole page is newer
// than since, older siblings are read page by page, up to MaxFetchPages.
// If since is still not reached, the messages found are returned together
// with an error classified as bridge.ErrFetchGap.
func (c *Client) FetchSince(ctx context.Context, addr bridge.Address, since time.Time) ([]bridge.InboundMessage, error) {
	release, err := c.acquire(ctx, addr)
	if err != nil {
		return nil, bridge.TransientFetchError(err)
	}
	defer release()

	messages := []bridge.InboundMessage{}
	path := fmt.Sprintf("/~/scry/graph-store/newest/%s/%s/%d.json", addr.Ship, addr.Resource, c.cfg.FetchCount)
	var gap error
	for page := 1; ; page++ {
		nodes, err := c.scryNodes(ctx, addr, path)
		if err != nil {
			return nil, err
		}
		oldestKey, oldest := "", (*big.Int)(nil)
		var oldestSent time.Time
		for key, node := range nodes {
			msg, sent, ok := toMessage(addr, key, node)
			if ok && sent.After(since) {
				messages = append(messages, msg)
			}
			if da, ok := new(big.Int).SetString(indexAtoms(key)[0], 10); ok && (oldest == nil || da.Cmp(oldest) < 0) {
				oldestKey, oldest, oldestSent = key, da, sent
			}
		}
		if len(nodes) < c.cfg.FetchCount || oldest == nil || !oldestSent.After(since) {
			break
		}
		if page >= c.cfg.MaxFetchPages {
			gap = bridge.FetchGapError(fmt.Errorf("%s: posts older than %s not reached after %d pages",
				addr, oldestSent.UTC().Format(time.RFC3339Nano), page))
			break
		}
		path = fmt.Sprintf("/~/scry/graph-store/node-siblings/older/%s/%s/%d/%s.json",
			addr.Ship, addr.Resource, c.cfg.FetchCount, udPath(oldestKey))
	}

	// Sort chronologically (oldest first).
	sort.Slice(messages, func(i, j int) bool {
		if messages[i].Timestamp.Equal(messages[j].Timestamp) {
			return messages[i].NativeID < messages[j].NativeID
		}
		return messages[i].Timestamp.Before(messages[j].Timestamp)
	})

	c.log.Trace().Str("address", addr.String()).Int("count", len(messages)).Msg("Fetched messages")
	return messages, gap
}

func (c *Client) scryNodes(ctx context.Context, addr bridge.Address, path string) (map[string]Node, error) {
	resp, err := c.withSession(ctx, func() (*resty.Response, error) {
		return c.http.R().SetContext(ctx).Get(path)
	})
	if err != nil {
		return nil, bridge.TransientFetchError(fmt.Errorf("scry %s: %w", addr, err))
	}
	if resp.IsError() {
		return nil, bridge.TransientFetchError(fmt.Errorf("scry %s: HTTP %d", addr, resp.StatusCode()))
	}

	var update GraphUpdate
	if err := json.Unmarshal(resp.Body(), &update); err != nil {
		return nil, bridge.TransientFetchError(fmt.Errorf("failed to decode scry result for %s: %w", addr, err))
	}
	if update.Update.AddNodes == nil {
		return nil, nil
	}
	return update.Update.AddNodes.Nodes, nil
}

// toMessage converts one graph node. The returned time is when the node was
// sent, taken from the index when the post lacks time-sent; ok is false for
// deleted posts.
func toMessage(addr bridge.Address, key string, node Node) (bridge.InboundMessage, time.Time, bool) {
	sent, _ := TimeFromDA(indexAtoms(key)[0])
	var post Post
	if err := json.Unmarshal(node.Post, &post); err != nil || post.Author == "" {
		// Deleted posts are serialized as a bare hash.
		return bridge.InboundMessage{}, sent, false
	}
	if !post.TimeSent.IsZero() {
		sent = post.TimeSent.Time
	}
	id := post.Index
	if id == "" {
		id = key
	}
	return bridge.InboundMessage{
		Source:    bridge.PlatformUrbit,
		Channel:   addr.String(),
		Author:    bridge.NormalizeShip(post.Author),
		Body:      Flatten(post.Contents),
		NativeID:  id,
		Timestamp: sent,
	}, sent, true
}

// indexAtoms splits a graph index such as "/170141.../1" into its atoms.
func indexAtoms(index string) []string {
	return strings.Split(strings.TrimPrefix(index, "/"), "/")
}

// udPath renders an index as the @ud path segments a scry expects:
// "/1234567" becomes "1.234.567".
func udPath(index string) string {
	atoms := indexAtoms(index)
	for i, a := range atoms {
		var sb strings.Builder
		for j, r := range a {
			if j > 0 && (len(a)-j)%3 == 0 {
				sb.WriteByte('.')
			}
			sb.WriteRune(r)
		}
		atoms[i] = sb.String()
	}
	return strings.Join(atoms, "/")
}
