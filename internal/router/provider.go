package router

import "net/netip"

// Provider is the compiled, queryable form of a named rule-set: a loaded
// collection of domain/IP/classical matchers refreshed on an interval or
// lazily on first use. Concrete loaders (file, http; plain-text, Clash
// YAML, sing-box SRS) live in package ruleprovider and satisfy this
// interface so the router never knows about wire formats.
type Provider interface {
	// Behavior reports which of the Match* methods is meaningful.
	Behavior() Behavior
	MatchDomain(host string) bool
	MatchIP(ip netip.Addr) bool
	// MatchClassical evaluates the provider's raw rule lines (a mix of
	// domain/ip entries with no single behavior) against the session view
	// the caller supplies.
	MatchClassical(v ClassicalView) bool
}

// Behavior is the rule-provider storage/matching discipline.
type Behavior uint8

const (
	BehaviorDomain Behavior = iota
	BehaviorIPCIDR
	BehaviorClassical
)

// ClassicalView is the minimal session view a classical rule-set provider
// needs to evaluate mixed rule lines without importing package session
// (avoids an import cycle: session doesn't need to know about routing).
type ClassicalView struct {
	Host string
	IP   netip.Addr
	HasIP bool
}
