// Package router compiles a declarative rule list into indexed matchers
// (domain trie, IP prefix trie, port bitmaps, rule-set providers) and
// classifies sessions against them in sub-microsecond time.
package router

import (
	"fmt"
	"net/netip"
	"regexp"
	"strings"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"proxykernel/internal/addr"
	"proxykernel/internal/session"
)

// cacheCap is the LRU result-cache capacity, matching spec.md's "~1024".
const cacheCap = 1024

type candidate struct {
	tag   string
	index int
	ok    bool
}

func better(a, b candidate) candidate {
	if !a.ok {
		return b
	}
	if !b.ok {
		return a
	}
	if a.index <= b.index {
		return a
	}
	return b
}

type compiledRules struct {
	domainSuffix *domainTrieIdx
	domainFull   map[string]indexedTag
	domainKeyword []keywordRule
	regexRules    []regexRule
	ipTrie        *ipTrieIdx
	srcIPTrie     *ipTrieIdx
	dstPorts      *portBitmap
	srcPorts      *portBitmap
	linear        []Rule // network/in-tag/process-name/process-path/user-agent/sniff-protocol
	ruleSets      []ruleSetRule
	defaultTag    string
}

type indexedTag struct {
	tag   string
	index int
}

type keywordRule struct {
	keyword string
	tag     string
	index   int
}

type regexRule struct {
	re    *regexp.Regexp
	tag   string
	index int
}

type ruleSetRule struct {
	providerName string
	tag          string
	index        int
}

// cacheKey is the canonical representation the LRU result cache is keyed on.
type cacheKey struct {
	target     string
	inboundTag string
	network    addr.Network
}

// Router classifies sessions against a compiled, atomically-swappable rule
// set. All public methods are safe for concurrent use; a reload swaps the
// compiled pointer without blocking readers.
type Router struct {
	compiled  atomic.Pointer[compiledRules]
	providers map[string]Provider
	cache     *lru.Cache[cacheKey, string]
	hits      atomic.Int64
	misses    atomic.Int64
}

// New compiles rules into a Router. Providers must already contain every
// name referenced by a rule-set rule; a missing provider is a fatal
// construction error per spec.md §4.2.
func New(rules []Rule, defaultTag string, providers map[string]Provider) (*Router, error) {
	for _, r := range rules {
		if r.Kind == KindRuleSet {
			if _, ok := providers[r.Pattern]; !ok {
				return nil, fmt.Errorf("router: rule-set provider %q not declared", r.Pattern)
			}
		}
	}
	if defaultTag == "" {
		return nil, fmt.Errorf("router: default tag must not be empty")
	}
	cache, err := lru.New[cacheKey, string](cacheCap)
	if err != nil {
		return nil, fmt.Errorf("router: building result cache: %w", err)
	}
	r := &Router{providers: providers, cache: cache}
	cr, err := compile(rules, defaultTag)
	if err != nil {
		return nil, err
	}
	r.compiled.Store(cr)
	return r, nil
}

func compile(rules []Rule, defaultTag string) (*compiledRules, error) {
	cr := &compiledRules{
		domainSuffix: newDomainTrieIdx(),
		domainFull:   map[string]indexedTag{},
		ipTrie:       newIPTrieIdx(),
		srcIPTrie:    newIPTrieIdx(),
		dstPorts:     newPortBitmap(),
		srcPorts:     newPortBitmap(),
		defaultTag:   defaultTag,
	}
	seen := map[string]bool{}
	for i, r := range rules {
		r.Index = i
		switch r.Kind {
		case KindDomainFull:
			key := strings.ToLower(r.Pattern)
			if _, exists := cr.domainFull[key]; !exists {
				cr.domainFull[key] = indexedTag{tag: r.OutboundTag, index: r.Index}
			}
		case KindDomainSuffix, KindGeoSite:
			key := "suffix:" + strings.ToLower(strings.Trim(r.Pattern, "."))
			if !seen[key] {
				seen[key] = true
				cr.domainSuffix.insert(r.Pattern, r.OutboundTag, r.Index)
			}
		case KindDomainKeyword:
			cr.domainKeyword = append(cr.domainKeyword, keywordRule{keyword: strings.ToLower(r.Pattern), tag: r.OutboundTag, index: r.Index})
		case KindDomainRegex:
			re, err := regexp.Compile(r.Pattern)
			if err != nil {
				return nil, fmt.Errorf("router: compiling domain-regex %q: %w", r.Pattern, err)
			}
			cr.regexRules = append(cr.regexRules, regexRule{re: re, tag: r.OutboundTag, index: r.Index})
		case KindIPCIDR, KindGeoIP:
			prefix, err := netip.ParsePrefix(r.Pattern)
			if err != nil {
				return nil, fmt.Errorf("router: parsing ip-cidr %q: %w", r.Pattern, err)
			}
			if key := "ip:" + prefix.Masked().String(); !seen[key] {
				seen[key] = true
				cr.ipTrie.insert(prefix, r.OutboundTag, r.Index)
			}
		case KindSrcIPCIDR:
			prefix, err := netip.ParsePrefix(r.Pattern)
			if err != nil {
				return nil, fmt.Errorf("router: parsing src-ip-cidr %q: %w", r.Pattern, err)
			}
			if key := "src:" + prefix.Masked().String(); !seen[key] {
				seen[key] = true
				cr.srcIPTrie.insert(prefix, r.OutboundTag, r.Index)
			}
		case KindDstPort:
			cr.dstPorts.insert(r.PortLow, r.PortHigh, r.OutboundTag, r.Index)
		case KindSrcPort:
			cr.srcPorts.insert(r.PortLow, r.PortHigh, r.OutboundTag, r.Index)
		case KindRuleSet:
			cr.ruleSets = append(cr.ruleSets, ruleSetRule{providerName: r.Pattern, tag: r.OutboundTag, index: r.Index})
		case KindNetwork, KindInTag, KindProcessName, KindProcessPath, KindUserAgent, KindSniffProtocol:
			cr.linear = append(cr.linear, r)
		default:
			return nil, fmt.Errorf("router: unknown rule kind %d", r.Kind)
		}
	}
	return cr, nil
}

// Reload atomically recompiles and swaps the rule set. In-flight lookups
// see either the old or the new compiled data, never a torn state.
func (r *Router) Reload(rules []Rule, defaultTag string) error {
	for _, rule := range rules {
		if rule.Kind == KindRuleSet {
			if _, ok := r.providers[rule.Pattern]; !ok {
				return fmt.Errorf("router: rule-set provider %q not declared", rule.Pattern)
			}
		}
	}
	cr, err := compile(rules, defaultTag)
	if err != nil {
		return err
	}
	r.compiled.Store(cr)
	r.cache.Purge()
	return nil
}

// InvalidateCache drops the result cache; called after a provider refresh.
func (r *Router) InvalidateCache() { r.cache.Purge() }

// CacheHitRate reports the observed hit rate of the result cache.
func (r *Router) CacheHitRate() float64 {
	h, m := r.hits.Load(), r.misses.Load()
	if h+m == 0 {
		return 0
	}
	return float64(h) / float64(h+m)
}

// Route classifies a session and returns the outbound tag to dispatch to.
// Deterministic: the same session always yields the same tag for a given
// rule set. Never returns an error; an unmatched session resolves to the
// default tag.
func (r *Router) Route(s *session.Session) string {
	key := cacheKey{target: s.Target.String(), inboundTag: s.InboundTag, network: s.Network}
	if tag, ok := r.cache.Get(key); ok {
		r.hits.Add(1)
		return tag
	}
	r.misses.Add(1)
	tag := r.route(s)
	r.cache.Add(key, tag)
	return tag
}

func (r *Router) route(s *session.Session) string {
	cr := r.compiled.Load()
	best := candidate{}

	host := s.Target.Host()
	if s.Target.IsDomain() {
		if v, ok := cr.domainFull[strings.ToLower(host)]; ok {
			best = better(best, candidate{tag: v.tag, index: v.index, ok: true})
		}
		if tag, idx, ok := cr.domainSuffix.find(host); ok {
			best = better(best, candidate{tag: tag, index: idx, ok: true})
		}
		lower := strings.ToLower(host)
		for _, k := range cr.domainKeyword {
			if strings.Contains(lower, k.keyword) {
				best = better(best, candidate{tag: k.tag, index: k.index, ok: true})
				break
			}
		}
		for _, rr := range cr.regexRules {
			if rr.re.MatchString(host) {
				best = better(best, candidate{tag: rr.tag, index: rr.index, ok: true})
				break
			}
		}
	} else {
		if tag, idx, ok := cr.ipTrie.find(s.Target.IP); ok {
			best = better(best, candidate{tag: tag, index: idx, ok: true})
		}
	}

	if s.HasSource {
		if tag, idx, ok := cr.srcIPTrie.find(s.Source.Addr()); ok {
			best = better(best, candidate{tag: tag, index: idx, ok: true})
		}
		if tag, idx, ok := cr.srcPorts.find(s.Source.Port()); ok {
			best = better(best, candidate{tag: tag, index: idx, ok: true})
		}
	}
	if tag, idx, ok := cr.dstPorts.find(s.Target.Port); ok {
		best = better(best, candidate{tag: tag, index: idx, ok: true})
	}

	for _, rule := range cr.linear {
		if matchLinear(rule, s) {
			best = better(best, candidate{tag: rule.OutboundTag, index: rule.Index, ok: true})
		}
	}

	for _, rs := range cr.ruleSets {
		p, ok := r.providers[rs.providerName]
		if !ok {
			continue // provider failed to load after construction; skip, logged elsewhere
		}
		matched := false
		switch p.Behavior() {
		case BehaviorDomain:
			matched = s.Target.IsDomain() && p.MatchDomain(host)
		case BehaviorIPCIDR:
			matched = !s.Target.IsDomain() && p.MatchIP(s.Target.IP)
		case BehaviorClassical:
			v := ClassicalView{}
			if s.Target.IsDomain() {
				v.Host = host
			} else {
				v.IP, v.HasIP = s.Target.IP, true
			}
			matched = p.MatchClassical(v)
		}
		if matched {
			best = better(best, candidate{tag: rs.tag, index: rs.index, ok: true})
		}
	}

	if !best.ok {
		return cr.defaultTag
	}
	return best.tag
}

func matchLinear(rule Rule, s *session.Session) bool {
	switch rule.Kind {
	case KindNetwork:
		return strings.EqualFold(rule.Pattern, s.Network.String())
	case KindInTag:
		return rule.Pattern == s.InboundTag
	case KindProcessName:
		return s.ProcessName != "" && rule.Pattern == s.ProcessName
	case KindProcessPath:
		return s.ProcessPath != "" && rule.Pattern == s.ProcessPath
	case KindUserAgent:
		return s.UserAgent != "" && strings.Contains(s.UserAgent, rule.Pattern)
	case KindSniffProtocol:
		return s.DetectedProtocol != "" && strings.EqualFold(rule.Pattern, s.DetectedProtocol)
	default:
		return false
	}
}
