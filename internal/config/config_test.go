package config

import "testing"

const sampleJSON = `{
  "log": {"level": "info", "output": "stdout"},
  "inbounds": [
    {"tag": "mixed-in", "protocol": "mixed", "listen": "127.0.0.1", "port": 1080, "sniffing": true}
  ],
  "outbounds": [
    {"tag": "direct", "protocol": "direct"},
    {"tag": "blocked", "protocol": "block"}
  ],
  "proxy_groups": [
    {"name": "auto", "group_type": "url-test", "proxies": ["direct"], "interval": "5m"}
  ],
  "router": {
    "rules": [
      {"kind": "domain_suffix", "pattern": "example.com", "outbound": "direct"},
      {"kind": "ip_cidr", "pattern": "10.0.0.0/8", "outbound": "direct"}
    ],
    "default": "direct"
  },
  "dns": {"servers": ["8.8.8.8"]},
  "api": {"listen": "127.0.0.1", "port": 9090},
  "max_connections": 1024
}`

func TestParseSampleTree(t *testing.T) {
	root, err := Parse([]byte(sampleJSON))
	if err != nil {
		t.Fatal(err)
	}
	if len(root.Inbounds) != 1 || root.Inbounds[0].Tag != "mixed-in" {
		t.Fatalf("unexpected inbounds: %+v", root.Inbounds)
	}
	if root.MaxConnections != 1024 {
		t.Fatalf("max_connections = %d, want 1024", root.MaxConnections)
	}

	rules, err := Rules(root.Router)
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 2 {
		t.Fatalf("expected 2 compiled rules, got %d", len(rules))
	}

	specs, err := OutboundSpecs(root.Outbounds, root.ProxyGroups)
	if err != nil {
		t.Fatal(err)
	}
	if len(specs) != 3 {
		t.Fatalf("expected 3 specs (2 outbounds + 1 group), got %d", len(specs))
	}
	found := false
	for _, s := range specs {
		if s.Tag == "auto" {
			found = true
			if ms, ok := s.Settings["interval"].(float64); !ok || ms != 300000 {
				t.Fatalf("expected interval=300000ms, got %v", s.Settings["interval"])
			}
		}
	}
	if !found {
		t.Fatal("expected group spec for 'auto'")
	}
}

func TestParseRejectsNegativeMaxConnections(t *testing.T) {
	_, err := Parse([]byte(`{"max_connections": -1}`))
	if err == nil {
		t.Fatal("expected error for negative max_connections")
	}
}

func TestRulesRejectsUnknownKind(t *testing.T) {
	_, err := Rules(RouterConfig{Rules: []RuleConfig{{Kind: "bogus", Pattern: "x", OutboundTag: "direct"}}, Default: "direct"})
	if err == nil {
		t.Fatal("expected error for unknown rule kind")
	}
}
