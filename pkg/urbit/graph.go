// Copyright 2024-2026 Aiku AI

package urbit

import (
	"encoding/json"
	"math/big"
	"regexp"
	"strings"
	"time"

	"go.mau.fi/util/jsontime"

	"github.com/fitnub-bosbud/UrbitIrcBridge/pkg/bridge"
)

// GraphUpdate is the envelope graph-store uses for scry results and pokes.
type GraphUpdate struct {
	Update UpdateBody `json:"graph-update"`
}

// UpdateBody holds the variants of a graph update the bridge reads or
// writes. Exactly one field is set.
type UpdateBody struct {
	AddNodes *AddNodes  `json:"add-nodes,omitempty"`
	Keys     []Resource `json:"keys,omitempty"`
}

// AddNodes carries a set of graph nodes keyed by their index path.
type AddNodes struct {
	Resource Resource        `json:"resource"`
	Nodes    map[string]Node `json:"nodes"`
}

// Resource names a graph on a host ship.
type Resource struct {
	Ship string `json:"ship"`
	Name string `json:"name"`
}

// Node is a graph node. Post is kept raw because deleted posts are
// serialized as a bare hash instead of an object.
type Node struct {
	Post     json.RawMessage `json:"post"`
	Children json.RawMessage `json:"children"`
}

// Post is a single chat message.
type Post struct {
	Author     string             `json:"author"`
	Index      string             `json:"index"`
	TimeSent   jsontime.UnixMilli `json:"time-sent"`
	Contents   []Content          `json:"contents"`
	Hash       *string            `json:"hash"`
	Signatures []json.RawMessage  `json:"signatures"`
}

// Content is one element of a post body. Exactly one field is set.
type Content struct {
	Text      string          `json:"text,omitempty"`
	URL       string          `json:"url,omitempty"`
	Mention   string          `json:"mention,omitempty"`
	Code      *Code           `json:"code,omitempty"`
	Reference json.RawMessage `json:"reference,omitempty"`
}

// Code is an inline dojo expression with its output.
type Code struct {
	Expression string     `json:"expression"`
	Output     [][]string `json:"output"`
}

// Flatten renders post contents as plain text.
func Flatten(contents []Content) string {
	var sb strings.Builder
	for _, c := range contents {
		switch {
		case c.Text != "":
			sb.WriteString(c.Text)
		case c.URL != "":
			sb.WriteString(c.URL)
		case c.Mention != "":
			sb.WriteString(bridge.NormalizeShip(c.Mention))
		case c.Code != nil:
			sb.WriteString("`" + c.Code.Expression + "`")
		case len(c.Reference) > 0:
			sb.WriteString("[reference]")
		}
	}
	return sb.String()
}

var tokenRe = regexp.MustCompile(`https?://[^\s<>"]+|~[a-z]{3}(?:[a-z]{3})?(?:--?[a-z]{6})*`)

// Contents splits text into post contents, turning URLs into url elements
// and ship names into mentions. Flatten(Contents(s)) == s.
func Contents(text string) []Content {
	var out []Content
	last := 0
	for _, loc := range tokenRe.FindAllStringIndex(text, -1) {
		start, end := loc[0], loc[1]
		token := text[start:end]
		var c Content
		if strings.HasPrefix(token, "~") {
			if !isMentionBoundary(text, start, end) || !bridge.ValidShip(token) {
				continue
			}
			c.Mention = token
		} else {
			c.URL = token
		}
		if start > last {
			out = append(out, Content{Text: text[last:start]})
		}
		out = append(out, c)
		last = end
	}
	if last < len(text) {
		out = append(out, Content{Text: text[last:]})
	}
	return out
}

func isMentionBoundary(text string, start, end int) bool {
	if start > 0 && !isSpaceOrPunct(text[start-1]) {
		return false
	}
	if end < len(text) {
		next := text[end]
		if next == '-' || next == '/' || (next >= 'a' && next <= 'z') {
			return false
		}
	}
	return true
}

func isSpaceOrPunct(b byte) bool {
	switch b {
	case ' ', '\t', '\n', '(', '[', '"', '\'', ',':
		return true
	}
	return false
}

var (
	// daUnixEpoch is the Unix epoch expressed as an Urbit @da.
	daUnixEpoch = new(big.Int).Lsh(new(big.Int).SetUint64(0x8000000cce9e0d80), 64)
	daSecond    = new(big.Int).Lsh(big.NewInt(1), 64)
)

// DAFromTime converts t to the decimal form of an Urbit @da at millisecond
// precision, as used in graph-store indices.
func DAFromTime(t time.Time) string {
	return daFromTime(t).String()
}

func daFromTime(t time.Time) *big.Int {
	ms := big.NewInt(t.UnixMilli())
	frac := new(big.Int).Mul(ms, daSecond)
	frac.Quo(frac, big.NewInt(1000))
	return frac.Add(daUnixEpoch, frac)
}

// TimeFromDA is the inverse of DAFromTime.
func TimeFromDA(da string) (time.Time, bool) {
	n, ok := new(big.Int).SetString(strings.TrimPrefix(da, "/"), 10)
	if !ok {
		return time.Time{}, false
	}
	n.Sub(n, daUnixEpoch)
	n.Mul(n, big.NewInt(1000))
	// Round to the nearest millisecond; the forward conversion truncates.
	n.Add(n, new(big.Int).Rsh(daSecond, 1))
	n.Quo(n, daSecond)
	return time.UnixMilli(n.Int64()), true
}
