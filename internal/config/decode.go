package config

import (
	"fmt"
	"net/netip"
	"time"

	"proxykernel/internal/geoip"
	"proxykernel/internal/outbound"
	"proxykernel/internal/router"
	"proxykernel/internal/ruleprovider"
)

var ruleKinds = map[string]router.Kind{
	"domain":          router.KindDomainFull,
	"domain_suffix":   router.KindDomainSuffix,
	"domain_keyword":  router.KindDomainKeyword,
	"domain_regex":    router.KindDomainRegex,
	"ip_cidr":         router.KindIPCIDR,
	"geoip":           router.KindGeoIP,
	"geosite":         router.KindGeoSite,
	"rule_set":        router.KindRuleSet,
	"dst_port":        router.KindDstPort,
	"src_port":        router.KindSrcPort,
	"src_ip_cidr":     router.KindSrcIPCIDR,
	"network":         router.KindNetwork,
	"in_tag":          router.KindInTag,
	"process_name":    router.KindProcessName,
	"process_path":    router.KindProcessPath,
	"user_agent":      router.KindUserAgent,
	"sniff_protocol":  router.KindSniffProtocol,
}

// Rules converts the JSON rule list into router.Rule values, one per
// entry. A geoip rule requires router.geoip_db to open, but the database
// is not consulted: the rule's pattern must already be a CIDR. A geosite
// rule's pattern is passed through unexpanded.
func Rules(cfg RouterConfig) ([]router.Rule, error) {
	var geoIPDB *geoip.DB
	var err error
	needsGeoIP := false
	for _, rc := range cfg.Rules {
		if rc.Kind == "geoip" {
			needsGeoIP = true
		}
	}
	if needsGeoIP {
		if cfg.GeoIPDB == "" {
			return nil, fmt.Errorf("config: geoip rule present but router.geoip_db not set")
		}
		geoIPDB, err = geoip.Open(cfg.GeoIPDB)
		if err != nil {
			return nil, err
		}
	}

	var out []router.Rule
	for _, rc := range cfg.Rules {
		kind, ok := ruleKinds[rc.Kind]
		if !ok {
			return nil, fmt.Errorf("config: unknown rule kind %q", rc.Kind)
		}
		if kind == router.KindGeoIP {
			expanded, err := expandGeoIPRule(geoIPDB, rc)
			if err != nil {
				return nil, err
			}
			out = append(out, expanded...)
			continue
		}
		out = append(out, router.Rule{
			Kind:        kind,
			Pattern:     rc.Pattern,
			PortLow:     rc.PortLow,
			PortHigh:    rc.PortHigh,
			OutboundTag: rc.OutboundTag,
		})
	}
	return out, nil
}

// expandGeoIPRule is deliberately conservative: walking a whole mmdb tree
// to enumerate every CIDR for a country is a lot of machinery for a
// config loader, so a geoip rule's pattern is treated as a single CIDR
// the caller has already resolved (e.g. via an offline tool). Any other
// pattern, a bare ISO country code included, fails construction loudly
// rather than silently matching nothing — there is no CIDR enumeration
// implemented here, and db is not read.
func expandGeoIPRule(db *geoip.DB, rc RuleConfig) ([]router.Rule, error) {
	if _, err := netip.ParsePrefix(rc.Pattern); err == nil {
		return []router.Rule{{Kind: router.KindGeoIP, Pattern: rc.Pattern, OutboundTag: rc.OutboundTag}}, nil
	}
	return nil, fmt.Errorf("config: geoip rule pattern %q must be a pre-resolved CIDR (country-code enumeration is not implemented)", rc.Pattern)
}

// RuleProviders builds a ruleprovider.Config map from the JSON tree.
func RuleProviders(m map[string]RuleProviderConfig) (map[string]ruleprovider.Config, error) {
	out := make(map[string]ruleprovider.Config, len(m))
	for name, rp := range m {
		var kind ruleprovider.Kind
		switch rp.Type {
		case "file":
			kind = ruleprovider.KindFile
		case "http":
			kind = ruleprovider.KindHTTP
		default:
			return nil, fmt.Errorf("config: rule provider %q: unknown type %q", name, rp.Type)
		}
		var behavior router.Behavior
		switch rp.Behavior {
		case "domain":
			behavior = router.BehaviorDomain
		case "ipcidr":
			behavior = router.BehaviorIPCIDR
		case "classical", "":
			behavior = router.BehaviorClassical
		default:
			return nil, fmt.Errorf("config: rule provider %q: unknown behavior %q", name, rp.Behavior)
		}
		var interval time.Duration
		if rp.Interval != "" {
			d, err := time.ParseDuration(rp.Interval)
			if err != nil {
				return nil, fmt.Errorf("config: rule provider %q: interval: %w", name, err)
			}
			interval = d
		}
		out[name] = ruleprovider.Config{
			Name:     name,
			Kind:     kind,
			Behavior: behavior,
			Path:     rp.Path,
			URL:      rp.URL,
			Interval: interval,
			Lazy:     rp.Lazy,
		}
	}
	return out, nil
}

// OutboundSpecs merges the outbounds and proxy_groups lists into the flat
// outbound.Spec list outbound.New expects.
func OutboundSpecs(outbounds []Outbound, groups []ProxyGroup) ([]outbound.Spec, error) {
	specs := make([]outbound.Spec, 0, len(outbounds)+len(groups))
	for _, o := range outbounds {
		specs = append(specs, outbound.Spec{Tag: o.Tag, Protocol: o.Protocol, Settings: o.Settings})
	}
	for _, g := range groups {
		settings := map[string]any{
			"proxies": toAnySlice(g.Proxies),
		}
		if g.URL != "" {
			settings["url"] = g.URL
		}
		if g.Interval != "" {
			d, err := time.ParseDuration(g.Interval)
			if err != nil {
				return nil, fmt.Errorf("config: group %q: interval: %w", g.Name, err)
			}
			settings["interval"] = float64(d.Milliseconds())
		}
		if g.Tolerance != "" {
			d, err := time.ParseDuration(g.Tolerance)
			if err != nil {
				return nil, fmt.Errorf("config: group %q: tolerance: %w", g.Name, err)
			}
			settings["tolerance"] = float64(d.Milliseconds())
		}
		if g.Strategy != "" {
			settings["strategy"] = g.Strategy
		}
		specs = append(specs, outbound.Spec{
			Tag:      g.Name,
			Protocol: g.GroupType,
			Settings: settings,
			IsGroup:  true,
			Members:  g.Proxies,
		})
	}
	return specs, nil
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
