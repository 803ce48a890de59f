package router

import (
	"net/netip"

	"proxykernel/internal/router/trie"
)

// domainTrieIdx wraps trie.DomainTrie to carry the source rule's index
// alongside its outbound tag, so identical-suffix collisions resolve to
// the earlier-declared rule while distinct suffixes still resolve by
// longest match (delegated to the underlying trie).
type domainTrieIdx struct {
	t *trie.DomainTrie[indexedTag]
}

func newDomainTrieIdx() *domainTrieIdx {
	return &domainTrieIdx{t: trie.NewDomainTrie[indexedTag]()}
}

func (d *domainTrieIdx) insert(pattern, tag string, index int) {
	d.t.InsertSuffix(pattern, indexedTag{tag: tag, index: index})
}

func (d *domainTrieIdx) find(host string) (string, int, bool) {
	v, ok := d.t.FindSuffix(host)
	return v.tag, v.index, ok
}

// ipTrieIdx is the IP-prefix analogue of domainTrieIdx.
type ipTrieIdx struct {
	t *trie.IPTrie[indexedTag]
}

func newIPTrieIdx() *ipTrieIdx {
	return &ipTrieIdx{t: trie.NewIPTrie[indexedTag]()}
}

func (d *ipTrieIdx) insert(prefix netip.Prefix, tag string, index int) {
	d.t.Insert(prefix, indexedTag{tag: tag, index: index})
}

func (d *ipTrieIdx) find(ip netip.Addr) (string, int, bool) {
	v, ok := d.t.LongestPrefixMatch(ip)
	return v.tag, v.index, ok
}

// portBitmap maps each of the 65536 ports to the first-declared rule
// covering it (dst-port / src-port have no natural specificity ordering,
// so "first write wins" gives declaration-order priority within this kind).
type portBitmap struct {
	entries [65536]*indexedTag
}

func newPortBitmap() *portBitmap { return &portBitmap{} }

func (p *portBitmap) insert(low, high uint16, tag string, index int) {
	v := indexedTag{tag: tag, index: index}
	// Inclusive range; careful with the uint16 wraparound at 65535.
	for port := uint32(low); port <= uint32(high); port++ {
		if p.entries[port] == nil {
			p.entries[port] = &v
		}
	}
}

func (p *portBitmap) find(port uint16) (string, int, bool) {
	e := p.entries[port]
	if e == nil {
		return "", 0, false
	}
	return e.tag, e.index, true
}
