// Copyright 2024-2026 Aiku AI

package bridge

import "time"

// Platform identifies which side of the bridge a message came from.
type Platform string

const (
	PlatformUrbit Platform = "urbit"
	PlatformIRC   Platform = "irc"
)

// Direction is the flow of a relayed message.
type Direction int

const (
	// ToIRC carries Urbit messages into IRC.
	ToIRC Direction = iota
	// ToUrbit carries IRC messages into Urbit.
	ToUrbit
)

func (d Direction) String() string {
	switch d {
	case ToIRC:
		return "urbit_to_irc"
	case ToUrbit:
		return "irc_to_urbit"
	default:
		return "unknown"
	}
}

// InboundMessage is a message observed by an adapter. It is never mutated
// after creation.
type InboundMessage struct {
	Source Platform
	// Channel is the IRC channel name or the Urbit address string.
	Channel   string
	Author    string
	Body      string
	NativeID  string
	Timestamp time.Time
}

// Watermark marks the last message relayed in one direction of a pair.
type Watermark struct {
	At       time.Time
	NativeID string
}

// Advance moves the watermark forward to msg. It never moves it backwards.
func (w *Watermark) Advance(msg InboundMessage) {
	if msg.Timestamp.Before(w.At) {
		return
	}
	w.At = msg.Timestamp
	w.NativeID = msg.NativeID
}
