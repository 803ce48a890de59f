// Package config decodes the kernel's JSON configuration tree (§6 of
// the design: log, inbounds, outbounds, proxy_groups, router, dns, api,
// subscriptions, max_connections) into the concrete types each
// subsystem constructor expects. The parser is intentionally thin: the
// host is expected to hand the core an already-validated tree.
package config

import (
	"encoding/json"
	"fmt"
)

// Root is the top-level configuration tree.
type Root struct {
	Log            LogConfig          `json:"log"`
	Inbounds       []Inbound          `json:"inbounds"`
	Outbounds      []Outbound         `json:"outbounds"`
	ProxyGroups    []ProxyGroup       `json:"proxy_groups"`
	Router         RouterConfig       `json:"router"`
	DNS            DNSConfig          `json:"dns"`
	API            APIConfig          `json:"api"`
	Subscriptions  []Subscription     `json:"subscriptions"`
	MaxConnections int                `json:"max_connections"`
}

// LogConfig holds the log settings. cmd/kerneld reads only LogErrorsOnly
// (for the access log, written to stdout); Level and Output are parsed but
// not applied.
type LogConfig struct {
	Level          string `json:"level"`
	Output         string `json:"output"` // "stdout", "stderr", or a file path
	LogErrorsOnly  bool   `json:"log_errors_only"`
}

// Inbound describes one listener the kernel should terminate.
type Inbound struct {
	Tag            string         `json:"tag"`
	Protocol       string         `json:"protocol"` // socks5, http, mixed, tun, shadowsocks
	Listen         string         `json:"listen"`
	Port           uint16         `json:"port"`
	Sniffing       bool           `json:"sniffing"`
	Settings       map[string]any `json:"settings"`
	MaxConnections int            `json:"max_connections,omitempty"`
}

// Outbound describes one egress path: a leaf protocol client or "direct"/"block".
type Outbound struct {
	Tag      string         `json:"tag"`
	Protocol string         `json:"protocol"`
	Settings map[string]any `json:"settings"`
}

// ProxyGroup describes one selector/url-test/fallback/load-balance group.
type ProxyGroup struct {
	Name      string   `json:"name"`
	GroupType string   `json:"group_type"`
	Proxies   []string `json:"proxies"`
	URL       string   `json:"url,omitempty"`
	Interval  string   `json:"interval,omitempty"` // parsed via time.ParseDuration
	Tolerance string   `json:"tolerance,omitempty"`
	Strategy  string   `json:"strategy,omitempty"`
}

// RuleConfig is one router rule as it appears in JSON; Rules (decode.go)
// converts these into router.Rule via the ruleKinds table.
type RuleConfig struct {
	Kind        string `json:"kind"`
	Pattern     string `json:"pattern"`
	PortLow     uint16 `json:"port_low,omitempty"`
	PortHigh    uint16 `json:"port_high,omitempty"`
	OutboundTag string `json:"outbound"`
}

// RuleProviderConfig is one named entry in router.rule_providers.
type RuleProviderConfig struct {
	Type     string `json:"type"` // "file" or "http"
	Behavior string `json:"behavior"`
	Path     string `json:"path,omitempty"`
	URL      string `json:"url,omitempty"`
	Interval string `json:"interval,omitempty"`
	Lazy     bool   `json:"lazy,omitempty"`
}

// RouterConfig is the router's declarative configuration.
type RouterConfig struct {
	Rules         []RuleConfig                  `json:"rules"`
	Default       string                         `json:"default"`
	GeoIPDB       string                         `json:"geoip_db,omitempty"`
	GeoSiteDB     string                         `json:"geosite_db,omitempty"`
	RuleProviders map[string]RuleProviderConfig `json:"rule_providers,omitempty"`
}

// DNSConfig configures the resolver's upstream servers and fake-IP pool.
type DNSConfig struct {
	Servers   []string `json:"servers"`
	FakeIP    bool     `json:"fake_ip"`
	FakeIPCIDR string  `json:"fake_ip_cidr,omitempty"`
	CacheSize int      `json:"cache_size,omitempty"`
}

// APIConfig configures the control-operation HTTP server.
type APIConfig struct {
	Listen string `json:"listen"`
	Port   uint16 `json:"port"`
}

// Subscription is a remote link that expands into outbounds at load time;
// expansion itself is host/parser responsibility per spec.md §6.
type Subscription struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Parse decodes raw JSON bytes into a Root.
func Parse(raw []byte) (*Root, error) {
	var r Root
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("config: parsing tree: %w", err)
	}
	if r.MaxConnections < 0 {
		return nil, fmt.Errorf("config: max_connections must be >= 0")
	}
	return &r, nil
}
