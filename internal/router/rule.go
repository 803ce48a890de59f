package router

// Kind is the closed set of rule kinds the router understands.
type Kind uint8

const (
	KindDomainFull Kind = iota
	KindDomainSuffix
	KindDomainKeyword
	KindDomainRegex
	KindIPCIDR
	KindGeoIP
	KindGeoSite
	KindRuleSet
	KindDstPort
	KindSrcPort
	KindSrcIPCIDR
	KindNetwork
	KindInTag
	KindProcessName
	KindProcessPath
	KindUserAgent
	KindSniffProtocol
)

// Rule is one declaration-order entry in the router's rule list: a raw
// matcher specification paired with the outbound tag to dispatch to on
// match. PortLow/PortHigh are inclusive and only meaningful for the port
// kinds; for a single port, PortLow == PortHigh.
type Rule struct {
	Index       int // position in declaration order; set by compile
	Kind        Kind
	Pattern     string // domain, cidr, regex, process name/path, user-agent substring, provider name
	PortLow     uint16
	PortHigh    uint16
	OutboundTag string
}
