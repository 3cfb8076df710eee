// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package urbit

import (
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const testCode = "lidlut-tabwed-pillex-ridrup"

// endpointCall records which Eyre endpoints were hit during a test.
type endpointCall struct {
	Method string
	Path   string
	Body   string
}

// fakeEyre simulates the subset of the Eyre HTTP interface the client uses.
type fakeEyre struct {
	Server *httptest.Server

	mu    sync.Mutex
	calls []endpointCall

	// Graphs maps "~ship/name" to the raw add-nodes nodes object served by
	// the newest scry.
	Graphs map[string]string
	// Chats maps "~ship/name" to a chat history served page by page by the
	// newest and node-siblings/older scries. It takes precedence over Graphs.
	Chats map[string][]fakePost
	// Keys lists the graphs the ship holds.
	Keys []Resource
	// FailPaths makes requests whose path has one of these prefixes return
	// the mapped status code.
	FailPaths map[string]int
	// ExpireNext answers the next authenticated request with 403.
	ExpireNext bool

	logins int
}

func newFakeEyre(t *testing.T) *fakeEyre {
	t.Helper()
	f := &fakeEyre{
		Graphs:    make(map[string]string),
		Chats:     make(map[string][]fakePost),
		FailPaths: make(map[string]int),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	t.Cleanup(f.Server.Close)
	return f
}

func (f *fakeEyre) Calls() []endpointCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]endpointCall, len(f.calls))
	copy(cp, f.calls)
	return cp
}

func (f *fakeEyre) Logins() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logins
}

func (f *fakeEyre) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, endpointCall{Method: r.Method, Path: r.URL.Path, Body: string(body)})

	for prefix, status := range f.FailPaths {
		if strings.HasPrefix(r.URL.Path, prefix) {
			w.WriteHeader(status)
			return
		}
	}

	if r.URL.Path == "/~/login" {
		if err := r.ParseForm(); err != nil || !strings.Contains(string(body), "password="+testCode) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.logins++
		http.SetCookie(w, &http.Cookie{Name: "urbauth-~zod", Value: "session", Path: "/"})
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if c, err := r.Cookie("urbauth-~zod"); err != nil || c.Value != "session" {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if f.ExpireNext {
		f.ExpireNext = false
		w.WriteHeader(http.StatusForbidden)
		return
	}

	switch {
	case r.URL.Path == "/~/scry/graph-store/keys.json":
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(GraphUpdate{Update: UpdateBody{Keys: f.Keys}})
	case strings.HasPrefix(r.URL.Path, "/~/scry/graph-store/node-siblings/older/"):
		rest := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/~/scry/graph-store/node-siblings/older/"), ".json")
		parts := strings.Split(rest, "/")
		if len(parts) != 4 {
			http.NotFound(w, r)
			return
		}
		count, _ := strconv.Atoi(parts[2])
		before, ok := new(big.Int).SetString(strings.ReplaceAll(parts[3], ".", ""), 10)
		posts, found := f.Chats[parts[0]+"/"+parts[1]]
		if !ok || !found {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var older []fakePost
		for _, p := range posts {
			if p.da().Cmp(before) < 0 {
				older = append(older, p)
			}
		}
		writeNodes(w, parts[0], parts[1], lastN(older, count))
	case strings.HasPrefix(r.URL.Path, "/~/scry/graph-store/newest/") && f.Chats[chatKey(r.URL.Path)] != nil:
		parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/~/scry/graph-store/newest/"), "/")
		count, _ := strconv.Atoi(strings.TrimSuffix(parts[2], ".json"))
		writeNodes(w, parts[0], parts[1], lastN(f.Chats[parts[0]+"/"+parts[1]], count))
	case strings.HasPrefix(r.URL.Path, "/~/scry/graph-store/newest/"):
		rest := strings.TrimPrefix(r.URL.Path, "/~/scry/graph-store/newest/")
		parts := strings.Split(rest, "/")
		if len(parts) != 3 {
			http.NotFound(w, r)
			return
		}
		nodes, ok := f.Graphs[parts[0]+"/"+parts[1]]
		if !ok {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"graph-update":{"add-nodes":{"resource":{"ship":"`+
			strings.TrimPrefix(parts[0], "~")+`","name":"`+parts[1]+`"},"nodes":`+nodes+`}}}`)
	case strings.HasPrefix(r.URL.Path, "/~/channel/") && r.Method == http.MethodPut:
		w.WriteHeader(http.StatusNoContent)
	default:
		http.NotFound(w, r)
	}
}

func newTestClient(f *fakeEyre) *Client {
	return NewClient(Config{
		URL:  f.Server.URL,
		Ship: "zod",
		Code: testCode,
	}, zerolog.Nop())
}

// fakePost is one chat message of a paged history.
type fakePost struct {
	Sent time.Time
	Text string
	// Index overrides the index derived from Sent.
	Index string
	// NoTimeSent serves the post without its time-sent field.
	NoTimeSent bool
}

func (p fakePost) index() string {
	if p.Index != "" {
		return p.Index
	}
	return "/" + DAFromTime(p.Sent)
}

func (p fakePost) da() *big.Int {
	n, _ := new(big.Int).SetString(strings.TrimPrefix(p.index(), "/"), 10)
	return n
}

func chatKey(path string) string {
	parts := strings.Split(strings.TrimPrefix(path, "/~/scry/graph-store/newest/"), "/")
	if len(parts) != 3 {
		return ""
	}
	return parts[0] + "/" + parts[1]
}

func lastN(posts []fakePost, n int) []fakePost {
	sorted := append([]fakePost(nil), posts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].da().Cmp(sorted[j].da()) < 0 })
	if len(sorted) > n {
		sorted = sorted[len(sorted)-n:]
	}
	return sorted
}

func writeNodes(w http.ResponseWriter, ship, name string, posts []fakePost) {
	nodes := make([]string, 0, len(posts))
	for _, p := range posts {
		timeSent := ""
		if !p.NoTimeSent {
			timeSent = fmt.Sprintf(`"time-sent": %d, `, p.Sent.UnixMilli())
		}
		nodes = append(nodes, fmt.Sprintf(`%q: {"post": {"author": "sampel-palnet", "index": %q, %s"contents": [{"text": %q}], "hash": null, "signatures": []}, "children": null}`,
			p.index(), p.index(), timeSent, p.Text))
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, `{"graph-update":{"add-nodes":{"resource":{"ship":"`+
		strings.TrimPrefix(ship, "~")+`","name":"`+name+`"},"nodes":{`+strings.Join(nodes, ",")+`}}}}`)
}
