package group

import (
	"context"
	"fmt"
	"sync/atomic"

	"proxykernel/internal/outbound"
	"proxykernel/internal/persistence"
	"proxykernel/internal/session"
)

func init() {
	outbound.Register("selector", buildSelector)
}

// Selector holds an atomically-swappable index into its member list,
// persisting the chosen member's name to disk on every Select.
type Selector struct {
	tag        string
	members    []outbound.Handler
	memberTags []string
	statePath  string

	current atomic.Int64 // index into members
}

func buildSelector(tag string, settings map[string]any, deps outbound.Deps) (outbound.Handler, error) {
	tags, err := memberTags(settings)
	if err != nil {
		return nil, fmt.Errorf("selector %q: %w", tag, err)
	}
	members, err := resolveMembers(deps, tags)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, fmt.Errorf("selector %q: at least one member required", tag)
	}
	s := &Selector{tag: tag, members: members, memberTags: tags}
	s.statePath, _ = settings["state_path"].(string)
	s.loadPersisted()
	return s, nil
}

func memberTags(settings map[string]any) ([]string, error) {
	raw, ok := settings["proxies"].([]any)
	if !ok {
		return nil, fmt.Errorf("missing proxies list")
	}
	tags := make([]string, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("non-string proxy tag %v", v)
		}
		tags = append(tags, s)
	}
	return tags, nil
}

func (s *Selector) loadPersisted() {
	if s.statePath == "" {
		return
	}
	state := persistence.LoadGroupState(s.statePath)
	rec, ok := state[s.tag]
	if !ok {
		return
	}
	for i, t := range s.memberTags {
		if t == rec.Selected {
			s.current.Store(int64(i))
			return
		}
	}
	// Persisted name is no longer a member: fall back to the first one.
}

func (s *Selector) persist() {
	if s.statePath == "" {
		return
	}
	state := persistence.LoadGroupState(s.statePath)
	state[s.tag] = persistence.GroupRecord{Selected: s.CurrentTag()}
	_ = persistence.SaveGroupState(s.statePath, state)
}

func (s *Selector) Tag() string { return s.tag }

// CurrentTag returns the currently selected member's tag.
func (s *Selector) CurrentTag() string {
	return s.memberTags[s.current.Load()]
}

// Select switches the current member by name, returning false if name is
// not a declared member.
func (s *Selector) Select(name string) bool {
	for i, t := range s.memberTags {
		if t == name {
			s.current.Store(int64(i))
			s.persist()
			return true
		}
	}
	return false
}

func (s *Selector) currentHandler() outbound.Handler {
	return s.members[s.current.Load()]
}

func (s *Selector) Connect(ctx context.Context, sess *session.Session) (session.ByteStream, error) {
	return s.currentHandler().Connect(ctx, sess)
}

func (s *Selector) ConnectUDP(ctx context.Context, sess *session.Session) (session.UdpTransport, error) {
	return s.currentHandler().ConnectUDP(ctx, sess)
}
