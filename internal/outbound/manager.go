package outbound

import "fmt"

// Spec is the minimal construction-time description of one outbound or
// group entry the Manager needs: protocol/group-type name, its tag, its
// raw settings, and (for groups) the member tags it forwards to. The
// config package decodes the JSON tree into a list of these before
// building the Manager.
type Spec struct {
	Tag      string
	Protocol string // leaf protocol name, or a group-type name ("selector", "url-test", "fallback", "load-balance")
	Settings map[string]any
	IsGroup  bool
	Members  []string // group member tags; empty for leaves
}

// Manager owns every constructed Handler, keyed by tag. Immutable after
// New returns except for each group's own internal mutable selection
// state (atomic integers/booleans inside the group handlers themselves).
type Manager struct {
	handlers map[string]Handler
	order    []string
}

// New validates tag uniqueness and the group membership graph (no self-
// reference, no cycles, no dangling member tag), then constructs every
// handler in an order that never builds a group before its members.
func New(specs []Spec) (*Manager, error) {
	if err := validateTags(specs); err != nil {
		return nil, err
	}
	if err := validateGroupGraph(specs); err != nil {
		return nil, err
	}
	order, err := topoOrder(specs)
	if err != nil {
		return nil, err
	}
	m := &Manager{handlers: map[string]Handler{}}
	bySpecTag := map[string]Spec{}
	for _, s := range specs {
		bySpecTag[s.Tag] = s
	}
	for _, tag := range order {
		s := bySpecTag[tag]
		h, err := Build(s.Protocol, s.Tag, s.Settings, Deps{Manager: m})
		if err != nil {
			return nil, fmt.Errorf("outbound: building %q: %w", s.Tag, err)
		}
		m.handlers[s.Tag] = h
		m.order = append(m.order, s.Tag)
	}
	return m, nil
}

func validateTags(specs []Spec) error {
	seen := map[string]bool{}
	for _, s := range specs {
		if s.Tag == "" {
			return fmt.Errorf("outbound: empty tag in spec list")
		}
		if seen[s.Tag] {
			return fmt.Errorf("outbound: duplicate tag %q", s.Tag)
		}
		seen[s.Tag] = true
	}
	return nil
}

func validateGroupGraph(specs []Spec) error {
	byTag := map[string]Spec{}
	for _, s := range specs {
		byTag[s.Tag] = s
	}
	for _, s := range specs {
		if !s.IsGroup {
			continue
		}
		for _, member := range s.Members {
			if member == s.Tag {
				return fmt.Errorf("outbound: group %q references itself", s.Tag)
			}
			if _, ok := byTag[member]; !ok {
				return fmt.Errorf("outbound: group %q references unknown member %q", s.Tag, member)
			}
		}
	}
	return detectCycles(byTag)
}

func detectCycles(byTag map[string]Spec) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[string]int{}
	var visit func(tag string, path []string) error
	visit = func(tag string, path []string) error {
		switch color[tag] {
		case black:
			return nil
		case gray:
			return fmt.Errorf("outbound: cycle detected in group graph: %v -> %s", path, tag)
		}
		color[tag] = gray
		s := byTag[tag]
		for _, member := range s.Members {
			if err := visit(member, append(path, tag)); err != nil {
				return err
			}
		}
		color[tag] = black
		return nil
	}
	for tag := range byTag {
		if color[tag] == white {
			if err := visit(tag, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// topoOrder returns tags ordered so every group appears after all of its
// members (a reverse topological sort over the membership DAG, already
// known acyclic from validateGroupGraph).
func topoOrder(specs []Spec) ([]string, error) {
	byTag := map[string]Spec{}
	for _, s := range specs {
		byTag[s.Tag] = s
	}
	visited := map[string]bool{}
	var order []string
	var visit func(tag string)
	visit = func(tag string) {
		if visited[tag] {
			return
		}
		visited[tag] = true
		for _, member := range byTag[tag].Members {
			visit(member)
		}
		order = append(order, tag)
	}
	for _, s := range specs {
		visit(s.Tag)
	}
	return order, nil
}

// Get returns the handler for tag.
func (m *Manager) Get(tag string) (Handler, bool) {
	h, ok := m.handlers[tag]
	return h, ok
}

// Tags returns every registered tag in construction order.
func (m *Manager) Tags() []string {
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}
