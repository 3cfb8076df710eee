// Copyright 2024-2026 Aiku AI

// Package bridge holds the identifiers, message type and error taxonomy
// shared by the Urbit and IRC adapters and the relay core.
package bridge

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	// Galaxies have one syllable, stars two, planets and moons are groups
	// of six letters separated by a dash; comets use a double dash.
	shipRe     = regexp.MustCompile(`^~(?:[a-z]{3}|[a-z]{6}(?:--?[a-z]{6})*)$`)
	resourceRe = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)
)

// Address identifies an Urbit chat channel: the hosting ship and the
// resource name on that ship.
type Address struct {
	Ship     string
	Resource string
}

// String renders the address as ~ship/resource.
func (a Address) String() string {
	return a.Ship + "/" + a.Resource
}

// ShipName returns the ship without its leading sig, as Eyre expects it in
// JSON bodies.
func (a Address) ShipName() string {
	return strings.TrimPrefix(a.Ship, "~")
}

// NormalizeShip adds the leading sig if missing and lowercases the name.
func NormalizeShip(ship string) string {
	ship = strings.ToLower(strings.TrimSpace(ship))
	if ship != "" && !strings.HasPrefix(ship, "~") {
		ship = "~" + ship
	}
	return ship
}

// ValidShip reports whether ship is a syntactically valid @p.
func ValidShip(ship string) bool {
	return shipRe.MatchString(NormalizeShip(ship))
}

// NewAddress validates and builds an Address from its two parts.
func NewAddress(ship, resource string) (Address, error) {
	ship = NormalizeShip(ship)
	resource = strings.TrimSpace(resource)
	if !shipRe.MatchString(ship) {
		return Address{}, fmt.Errorf("invalid ship %q", ship)
	}
	if !resourceRe.MatchString(resource) {
		return Address{}, fmt.Errorf("invalid resource %q", resource)
	}
	return Address{Ship: ship, Resource: resource}, nil
}

// ParseAddress parses "~ship/resource".
func ParseAddress(s string) (Address, error) {
	ship, resource, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok {
		return Address{}, fmt.Errorf("address %q is not of the form ~ship/resource", s)
	}
	return NewAddress(ship, resource)
}

// PairID uniquely names a relay route. It is used as a map key, a log
// field and a metrics label.
type PairID string

// MakePairID builds the identifier of the route between addr and channel
// on the given bot.
func MakePairID(addr Address, bot, channel string) PairID {
	return PairID(addr.String() + "<>" + bot + "/" + FoldChannel(channel))
}

// FoldChannel returns the case-folded form of an IRC channel name used for
// lookups. IRC channel names are case-insensitive.
func FoldChannel(channel string) string {
	return strings.ToLower(strings.TrimSpace(channel))
}
