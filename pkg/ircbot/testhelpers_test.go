// Copyright 2024-2026 Aiku AI

package ircbot

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/irc.v4"
)

// fakeIRCd is a minimal IRC server on a loopback listener. It registers
// any client, echoes JOINs back and records every line it receives.
type fakeIRCd struct {
	t  *testing.T
	ln net.Listener

	mu       sync.Mutex
	lines    []string
	conns    []net.Conn
	accepted int
	// RefuseJoin lists channels the server answers with 474.
	RefuseJoin map[string]bool
	// FailDials makes the next N dials fail before reaching the server.
	FailDials int
}

func newFakeIRCd(t *testing.T) *fakeIRCd {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f := &fakeIRCd{t: t, ln: ln, RefuseJoin: map[string]bool{}}
	go f.accept()
	return f
}

func (f *fakeIRCd) Close() {
	_ = f.ln.Close()
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		_ = c.Close()
	}
}

func (f *fakeIRCd) accept() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conns = append(f.conns, conn)
		f.accepted++
		f.mu.Unlock()
		go f.serve(conn)
	}
}

func (f *fakeIRCd) serve(conn net.Conn) {
	defer conn.Close()
	nick := "*"
	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		line := sc.Text()
		f.mu.Lock()
		f.lines = append(f.lines, line)
		f.mu.Unlock()

		m, err := irc.ParseMessage(line)
		if err != nil {
			continue
		}
		switch m.Command {
		case "NICK":
			nick = m.Params[0]
		case "USER":
			fmt.Fprintf(conn, ":irc.test 001 %s :Welcome to the test network\r\n", nick)
		case "PING":
			fmt.Fprintf(conn, ":irc.test PONG irc.test :%s\r\n", m.Trailing())
		case "JOIN":
			for _, ch := range strings.Split(m.Params[0], ",") {
				f.mu.Lock()
				refuse := f.RefuseJoin[ch]
				f.mu.Unlock()
				if refuse {
					fmt.Fprintf(conn, ":irc.test 474 %s %s :Cannot join channel (+b)\r\n", nick, ch)
					continue
				}
				fmt.Fprintf(conn, ":%s!%s@127.0.0.1 JOIN %s\r\n", nick, nick, ch)
			}
		case "QUIT":
			return
		}
	}
}

// Dial is a DialFunc reaching the fake server.
func (f *fakeIRCd) Dial(ctx context.Context) (net.Conn, error) {
	f.mu.Lock()
	if f.FailDials > 0 {
		f.FailDials--
		f.mu.Unlock()
		return nil, fmt.Errorf("connection refused")
	}
	f.mu.Unlock()
	var d net.Dialer
	return d.DialContext(ctx, "tcp", f.ln.Addr().String())
}

// Push writes a raw line to the most recent client connection.
func (f *fakeIRCd) Push(line string) {
	f.mu.Lock()
	conn := f.conns[len(f.conns)-1]
	f.mu.Unlock()
	if _, err := fmt.Fprintf(conn, "%s\r\n", line); err != nil {
		f.t.Errorf("push %q: %v", line, err)
	}
}

// Drop closes the most recent client connection from the server side.
func (f *fakeIRCd) Drop() {
	f.mu.Lock()
	conn := f.conns[len(f.conns)-1]
	f.mu.Unlock()
	_ = conn.Close()
}

func (f *fakeIRCd) Accepted() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accepted
}

func (f *fakeIRCd) Lines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...)
}

func (f *fakeIRCd) Received(line string) bool {
	for _, l := range f.Lines() {
		if l == line {
			return true
		}
	}
	return false
}

// stateLog records state transitions reported by a bot.
type stateLog struct {
	mu     sync.Mutex
	states []State
}

func (s *stateLog) hook(_ string, st State) {
	s.mu.Lock()
	s.states = append(s.states, st)
	s.mu.Unlock()
}

func (s *stateLog) All() []State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]State(nil), s.states...)
}

func (s *stateLog) Count(st State) int {
	n := 0
	for _, v := range s.All() {
		if v == st {
			n++
		}
	}
	return n
}

func testConfig() Config {
	return Config{
		Name:           "libera",
		Server:         "127.0.0.1",
		Nickname:       "bridge",
		Channels:       []string{"#general", "#Random"},
		IgnoreNicks:    []string{"relay"},
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     40 * time.Millisecond,
		RejoinDelay:    200 * time.Millisecond,
	}
}

// startBot runs a bot against f. The returned stop func cancels it and
// waits for Run to return; done yields Run's result exactly once and is
// closed afterwards.
func startBot(t *testing.T, f *fakeIRCd, opts ...Option) (bot *Bot, stop func(), done <-chan error) {
	t.Helper()
	opts = append([]Option{WithDialer(f.Dial)}, opts...)
	bot = New(testConfig(), zerolog.Nop(), opts...)
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan error, 1)
	go func() {
		ch <- bot.Run(ctx)
		close(ch)
	}()
	stop = func() {
		cancel()
		for range ch {
		}
	}
	return bot, stop, ch
}
