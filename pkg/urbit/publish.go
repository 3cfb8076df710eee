// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package urbit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-resty/resty/v2"
	"go.mau.fi/util/exerrors"
	"go.mau.fi/util/jsontime"

	"github.com/fitnub-bosbud/UrbitIrcBridge/pkg/bridge"
)

// Publish posts body to the chat at addr as the bridge's ship and returns
// the index of the new node, which is also the native ID the post will
// carry when it is fetched back.
//
// A chat the bridge ship does not know about, or an HTTP 404/410 answer,
// fails with bridge.ErrPermanentPublish. Other failures are classified as
// bridge.ErrTransientPublish.
func (c *Client) Publish(ctx context.Context, addr bridge.Address, body string) (string, error) {
	release, err := c.acquire(ctx, addr)
	if err != nil {
		return "", bridge.TransientPublishError(err)
	}
	defer release()

	if err := c.checkResource(ctx, addr); err != nil {
		return "", err
	}

	now := c.now()
	index := c.nextIndex(now)
	update := GraphUpdate{Update: UpdateBody{AddNodes: &AddNodes{
		Resource: Resource{Ship: addr.Ship, Name: addr.Resource},
		Nodes: map[string]Node{
			index: {Post: exerrors.Must(json.Marshal(Post{
				Author:     c.cfg.Ship,
				Index:      index,
				TimeSent:   jsontime.UM(now),
				Contents:   Contents(body),
				Signatures: []json.RawMessage{},
			})), Children: json.RawMessage("null")},
		},
	}}}

	resp, err := c.putChannel(ctx, channelAction{
		ID:     c.nextID.Add(1),
		Action: "poke",
		Ship:   bridge.Address{Ship: c.cfg.Ship}.ShipName(),
		App:    "graph-push-hook",
		Mark:   "graph-update-3",
		JSON:   update,
	})
	if err != nil {
		return "", bridge.TransientPublishError(fmt.Errorf("poke %s: %w", addr, err))
	}
	c.channelOpen.Store(true)
	switch {
	case resp.StatusCode() == http.StatusNotFound || resp.StatusCode() == http.StatusGone:
		return "", bridge.PermanentPublishError(fmt.Errorf("poke %s: HTTP %d", addr, resp.StatusCode()))
	case resp.IsError():
		return "", bridge.TransientPublishError(fmt.Errorf("poke %s: HTTP %d", addr, resp.StatusCode()))
	}

	c.log.Debug().Str("address", addr.String()).Str("index", index).Msg("Published message")
	return index, nil
}

// checkResource verifies that the bridge ship holds the graph it is about
// to post to. The list of graph keys is cached for keysTTL.
func (c *Client) checkResource(ctx context.Context, addr bridge.Address) error {
	c.keysMu.Lock()
	defer c.keysMu.Unlock()

	if c.keys == nil || c.now().Sub(c.keysFetched) > c.keysTTL {
		resp, err := c.withSession(ctx, func() (*resty.Response, error) {
			return c.http.R().SetContext(ctx).Get("/~/scry/graph-store/keys.json")
		})
		if err != nil {
			return bridge.TransientPublishError(fmt.Errorf("scry graph keys: %w", err))
		}
		if resp.IsError() {
			return bridge.TransientPublishError(fmt.Errorf("scry graph keys: HTTP %d", resp.StatusCode()))
		}
		var update GraphUpdate
		if err := json.Unmarshal(resp.Body(), &update); err != nil {
			return bridge.TransientPublishError(fmt.Errorf("failed to decode graph keys: %w", err))
		}
		keys := make(map[bridge.Address]struct{}, len(update.Update.Keys))
		for _, k := range update.Update.Keys {
			keys[bridge.Address{Ship: bridge.NormalizeShip(k.Ship), Resource: k.Name}] = struct{}{}
		}
		c.keys = keys
		c.keysFetched = c.now()
	}

	if _, ok := c.keys[addr]; !ok {
		// Force a refresh on the next attempt in case the chat was just joined.
		c.keys = nil
		return bridge.PermanentPublishError(fmt.Errorf("%s: %w", addr, errUnknownResource))
	}
	return nil
}
