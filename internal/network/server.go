package network

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/dalnet/ngservices/internal/proto"
)

// LinkState is where a server is in the link synchronization sequence
type LinkState int

const (
	// Created servers exist but are not reachable in the tree yet
	Created LinkState = iota
	// Introducing servers are attached under their parent
	Introducing
	// AwaitingSync servers have been sent a liveness probe whose reply
	// stands in for the end of their burst
	AwaitingSync
	// Synced servers have finished bursting
	Synced
	// Detached servers lost their link, or an ancestor did
	Detached
)

func (s LinkState) String() string {
	switch s {
	case Created:
		return "created"
	case Introducing:
		return "introducing"
	case AwaitingSync:
		return "awaiting-sync"
	case Synced:
		return "synced"
	case Detached:
		return "detached"
	}
	return fmt.Sprintf("LinkState(%d)", int(s))
}

var (
	ErrUnknownParent   = errors.New("unknown parent server")
	ErrDuplicateServer = errors.New("server already linked")
	ErrNotAttached     = errors.New("server is not attached")
)

// Server is one node of the network's spanning tree
type Server struct {
	Name        string
	Description string
	// Hops is peer supplied and only used for display
	Hops  int
	Token string
	State LinkState

	parent   *Server
	children []*Server
	users    map[*User]struct{}
}

// NewServer creates a server in the Created state
func NewServer(name, description string, hops int, token string) *Server {
	return &Server{
		Name:        name,
		Description: description,
		Hops:        hops,
		Token:       token,
		State:       Created,
		users:       make(map[*User]struct{}),
	}
}

func (s *Server) String() string {
	return s.Name
}

// Parent returns the server s is linked behind, nil for the root
func (s *Server) Parent() *Server {
	return s.parent
}

// Children returns the servers directly linked to s
func (s *Server) Children() []*Server {
	out := make([]*Server, len(s.children))
	copy(out, s.children)
	return out
}

// Users returns the users connected to s, sorted by nick
func (s *Server) Users() []*User {
	out := make([]*User, 0, len(s.users))
	for u := range s.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return proto.Fold(out[i].Nick) < proto.Fold(out[j].Nick) })
	return out
}

// UserCount returns how many users are connected to s
func (s *Server) UserCount() int {
	return len(s.users)
}

func (s *Server) IsSynced() bool {
	return s.State == Synced
}

// BeginSync moves an attached server to AwaitingSync
func (s *Server) BeginSync() {
	if s.State == Introducing {
		s.State = AwaitingSync
	}
}

// Sync marks the end of the server's burst. It reports whether the state
// changed.
func (s *Server) Sync() bool {
	if s.State != Introducing && s.State != AwaitingSync {
		return false
	}
	s.State = Synced
	return true
}

func (s *Server) removeChild(child *Server) {
	for i, c := range s.children {
		if c == child {
			s.children = append(s.children[:i], s.children[i+1:]...)
			return
		}
	}
}

// ServerTree holds every linked server, rooted at our own
type ServerTree struct {
	root    *Server
	byName  map[string]*Server
	byToken map[string]*Server
}

// NewServerTree creates a tree whose root is the local server
func NewServerTree(me *Server) *ServerTree {
	me.State = Synced
	me.parent = nil
	return &ServerTree{
		root:    me,
		byName:  map[string]*Server{strings.ToLower(me.Name): me},
		byToken: make(map[string]*Server),
	}
}

// Root returns the local server
func (t *ServerTree) Root() *Server {
	return t.root
}

// Len returns the number of servers including the root
func (t *ServerTree) Len() int {
	return len(t.byName)
}

// Find looks a server up by name, falling back to its token
func (t *ServerTree) Find(nameOrToken string) *Server {
	if s, ok := t.byName[strings.ToLower(nameOrToken)]; ok {
		return s
	}
	return t.byToken[nameOrToken]
}

// Uplink returns the server directly linked to the root, if any
func (t *ServerTree) Uplink() *Server {
	if len(t.root.children) == 0 {
		return nil
	}
	return t.root.children[0]
}

// Attach links s under parent and moves it to Introducing
func (t *ServerTree) Attach(parent, s *Server) error {
	if parent == nil || parent.State == Detached || t.byName[strings.ToLower(parent.Name)] != parent {
		return ErrUnknownParent
	}
	if _, exists := t.byName[strings.ToLower(s.Name)]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateServer, s.Name)
	}

	s.parent = parent
	s.State = Introducing
	parent.children = append(parent.children, s)
	t.byName[strings.ToLower(s.Name)] = s
	if s.Token != "" {
		t.byToken[s.Token] = s
	}
	return nil
}

// Detach removes s and everything behind it. The returned servers are in
// breadth-first order starting with s and are all in the Detached state.
func (t *ServerTree) Detach(s *Server) ([]*Server, error) {
	if s == t.root {
		return nil, errors.New("cannot detach the local server")
	}
	if t.byName[strings.ToLower(s.Name)] != s {
		return nil, ErrNotAttached
	}

	if s.parent != nil {
		s.parent.removeChild(s)
	}

	var removed []*Server
	work := []*Server{s}
	for len(work) > 0 {
		cur := work[0]
		work = work[1:]
		work = append(work, cur.children...)

		delete(t.byName, strings.ToLower(cur.Name))
		if cur.Token != "" && t.byToken[cur.Token] == cur {
			delete(t.byToken, cur.Token)
		}
		cur.State = Detached
		cur.children = nil
		cur.parent = nil
		removed = append(removed, cur)
	}
	return removed, nil
}

// Walk visits every server depth-first, children sorted by name
func (t *ServerTree) Walk(fn func(s *Server, depth int)) {
	type frame struct {
		s     *Server
		depth int
	}
	stack := []frame{{t.root, 0}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		fn(f.s, f.depth)

		children := f.s.Children()
		sort.Slice(children, func(i, j int) bool { return children[i].Name > children[j].Name })
		for _, c := range children {
			stack = append(stack, frame{c, f.depth + 1})
		}
	}
}

// Render draws the tree for operators, one line per server
func (t *ServerTree) Render() []string {
	type row struct {
		s     *Server
		depth int
	}
	var rows []row
	var depths []int
	t.Walk(func(s *Server, depth int) {
		rows = append(rows, row{s, depth})
		depths = append(depths, depth)
	})

	lines := make([]string, 0, len(rows))
	for i, r := range rows {
		if r.depth == 0 {
			lines = append(lines, fmt.Sprintf("%s (%d) %s", r.s.Name, r.s.UserCount(), r.s.Description))
			continue
		}

		var prefix strings.Builder
		for level := 1; level < r.depth; level++ {
			if siblingFollows(depths[i+1:], level) {
				prefix.WriteString("   |")
			} else {
				prefix.WriteString("    ")
			}
		}
		prefix.WriteString("|_ ")
		lines = append(lines, fmt.Sprintf("%s%s (%d) [%s] %s", prefix.String(), r.s.Name, r.s.UserCount(), r.s.State, r.s.Description))
	}
	return lines
}

// siblingFollows reports whether another server at depth appears before the
// walk climbs back above it.
func siblingFollows(depths []int, depth int) bool {
	for _, d := range depths {
		if d < depth {
			return false
		}
		if d == depth {
			return true
		}
	}
	return false
}
