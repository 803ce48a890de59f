package ruleprovider

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"net/netip"
	"strings"

	"proxykernel/internal/router/trie"
)

// parse compiles raw provider bytes into a compiled matcher set according
// to format. All three formats converge on the same compiled shape so
// router.Provider's Match* methods don't need to know which one was used.
func parse(raw []byte, format Format) (*compiled, error) {
	switch format {
	case FormatPlain:
		return parsePlain(raw)
	case FormatClashYAML:
		return parseClashYAML(raw)
	case FormatSRS:
		return parseSRS(raw)
	default:
		return nil, fmt.Errorf("ruleprovider: unknown format %d", format)
	}
}

func newCompiled() *compiled {
	return &compiled{
		domain: trie.NewDomainTrie[struct{}](),
		ipTrie: trie.NewIPTrie[struct{}](),
	}
}

// parsePlain reads the classic one-rule-per-line text format:
//
//	DOMAIN,example.com
//	DOMAIN-SUFFIX,example.com
//	DOMAIN-KEYWORD,ads
//	IP-CIDR,10.0.0.0/8
//	IP-CIDR6,fc00::/7
//
// A bare line with no comma (just "example.com" or "10.0.0.0/8") is treated
// as a classical entry whose kind is inferred by trying to parse it as a
// prefix first, matching the plain per-line geosite/geoip source format.
func parsePlain(raw []byte) (*compiled, error) {
	c := newCompiled()
	sc := bufio.NewScanner(bytes.NewReader(raw))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "//") {
			continue
		}
		if err := parsePlainLineInto(c, line); err != nil {
			return nil, err
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return c, nil
}

// parsePlainLineInto compiles one plain-format rule line directly into an
// already-constructed compiled set, shared by parsePlain and the Clash
// payload decoder for its comma-delimited list entries.
func parsePlainLineInto(c *compiled, line string) error {
	parts := strings.SplitN(line, ",", 2)
	if len(parts) == 1 {
		if prefix, err := netip.ParsePrefix(line); err == nil {
			c.ipTrie.Insert(prefix, struct{}{})
			c.classical = append(c.classical, classicalEntry{isIP: true, prefix: prefix})
		} else {
			c.domain.InsertSuffix(line, struct{}{})
			c.classical = append(c.classical, classicalEntry{domain: strings.ToLower(line), suffix: true})
		}
		return nil
	}
	kind := strings.ToUpper(strings.TrimSpace(parts[0]))
	val := strings.TrimSpace(parts[1])
	// A third comma-separated field (e.g. ",no-resolve") is accepted and
	// ignored; the router never needs policy flags on a provider entry.
	if idx := strings.Index(val, ","); idx >= 0 {
		val = val[:idx]
	}
	switch kind {
	case "DOMAIN":
		c.domain.InsertFull(val, struct{}{})
		c.classical = append(c.classical, classicalEntry{domain: strings.ToLower(val)})
	case "DOMAIN-SUFFIX":
		c.domain.InsertSuffix(val, struct{}{})
		c.classical = append(c.classical, classicalEntry{domain: strings.ToLower(val), suffix: true})
	case "DOMAIN-KEYWORD":
		c.domain.InsertKeyword(val, struct{}{})
	case "IP-CIDR", "IP-CIDR6":
		prefix, err := netip.ParsePrefix(val)
		if err != nil {
			return fmt.Errorf("ruleprovider: parsing %q: %w", line, err)
		}
		c.ipTrie.Insert(prefix, struct{}{})
		c.classical = append(c.classical, classicalEntry{isIP: true, prefix: prefix})
	default:
		return fmt.Errorf("ruleprovider: unrecognized rule kind %q", kind)
	}
	return nil
}

// parseClashYAML reads the Clash rule-provider payload shape:
//
//	payload:
//	  - DOMAIN-SUFFIX,example.com
//	  - IP-CIDR,10.0.0.0/8
//	  - '+.example.org'
//
// Decoding a full YAML document would pull in a YAML library the rest of
// the corpus never imports for this purpose; the payload list entries are
// themselves comma-joined plain-format lines (or a bare "+.domain"
// wildcard), so a line-oriented scan that locates the payload block and
// strips YAML list syntax is sufficient and avoids adding a dependency no
// other component would exercise.
func parseClashYAML(raw []byte) (*compiled, error) {
	c := newCompiled()
	sc := bufio.NewScanner(bytes.NewReader(raw))
	inPayload := false
	for sc.Scan() {
		line := sc.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		if !inPayload {
			if strings.HasPrefix(trimmed, "payload:") {
				inPayload = true
			}
			continue
		}
		if !strings.HasPrefix(trimmed, "-") {
			// Payload block ended (a non-list top-level key followed).
			break
		}
		entry := strings.TrimSpace(strings.TrimPrefix(trimmed, "-"))
		entry = strings.Trim(entry, `'"`)
		if entry == "" {
			continue
		}
		if strings.HasPrefix(entry, "+.") {
			c.domain.InsertSuffix(strings.TrimPrefix(entry, "+."), struct{}{})
			c.classical = append(c.classical, classicalEntry{domain: strings.ToLower(strings.TrimPrefix(entry, "+.")), suffix: true})
			continue
		}
		if !strings.Contains(entry, ",") {
			if prefix, err := netip.ParsePrefix(entry); err == nil {
				c.ipTrie.Insert(prefix, struct{}{})
				c.classical = append(c.classical, classicalEntry{isIP: true, prefix: prefix})
				continue
			}
			c.domain.InsertFull(entry, struct{}{})
			c.classical = append(c.classical, classicalEntry{domain: strings.ToLower(entry)})
			continue
		}
		if err := parsePlainLineInto(c, entry); err != nil {
			return nil, err
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return c, nil
}

// sing-box SRS binary format: magic "SRS1", followed by a varint rule
// count, then for each rule a type byte (0 = domain-suffix, 1 = domain-
// full, 2 = ip-cidr) and a length-prefixed payload. This mirrors the
// shape described for sing-box rule-sets without pulling in its codec
// package, which the rest of the pack never imports.
var srsMagic = []byte("SRS1")

func parseSRS(raw []byte) (*compiled, error) {
	if len(raw) < len(srsMagic) || !bytes.Equal(raw[:len(srsMagic)], srsMagic) {
		return nil, fmt.Errorf("ruleprovider: not an SRS payload (bad magic)")
	}
	buf := bytes.NewReader(raw[len(srsMagic):])
	count, err := binary.ReadUvarint(buf)
	if err != nil {
		return nil, fmt.Errorf("ruleprovider: reading SRS rule count: %w", err)
	}
	c := newCompiled()
	for i := uint64(0); i < count; i++ {
		typ, err := buf.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("ruleprovider: reading SRS rule %d type: %w", i, err)
		}
		length, err := binary.ReadUvarint(buf)
		if err != nil {
			return nil, fmt.Errorf("ruleprovider: reading SRS rule %d length: %w", i, err)
		}
		payload := make([]byte, length)
		if _, err := buf.Read(payload); err != nil {
			return nil, fmt.Errorf("ruleprovider: reading SRS rule %d payload: %w", i, err)
		}
		switch typ {
		case 0:
			c.domain.InsertSuffix(string(payload), struct{}{})
			c.classical = append(c.classical, classicalEntry{domain: strings.ToLower(string(payload)), suffix: true})
		case 1:
			c.domain.InsertFull(string(payload), struct{}{})
			c.classical = append(c.classical, classicalEntry{domain: strings.ToLower(string(payload))})
		case 2:
			prefix, err := netip.ParsePrefix(string(payload))
			if err != nil {
				return nil, fmt.Errorf("ruleprovider: SRS rule %d: %w", i, err)
			}
			c.ipTrie.Insert(prefix, struct{}{})
			c.classical = append(c.classical, classicalEntry{isIP: true, prefix: prefix})
		default:
			return nil, fmt.Errorf("ruleprovider: SRS rule %d: unknown type %d", i, typ)
		}
	}
	return c, nil
}
