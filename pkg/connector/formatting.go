// Copyright 2024-2026 Aiku AI

package connector

import (
	"github.com/fitnub-bosbud/UrbitIrcBridge/pkg/bridge"
	"github.com/fitnub-bosbud/UrbitIrcBridge/pkg/connector/ircfmt"
	"github.com/fitnub-bosbud/UrbitIrcBridge/pkg/connector/urbitfmt"
)

// translateToIRC renders an Urbit message as attributed IRC lines within
// the configured limits.
func (r *Relay) translateToIRC(msg bridge.InboundMessage) ([]string, error) {
	return ircfmt.ToIRCLines(msg, ircfmt.Options{
		MaxLineBytes: r.cfg.MaxLineBytes,
		MaxLines:     r.cfg.MaxLines,
	})
}

// translateToPeer renders an IRC line as an attributed Urbit post body. An
// empty body means the line is not bridged.
func (r *Relay) translateToPeer(msg bridge.InboundMessage) (string, error) {
	return urbitfmt.ToPeerMessage(msg.Author, msg.Body, r.cfg.MaxMessageBytes)
}
