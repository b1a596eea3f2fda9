package rpc

import (
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// ManagerID is the well-known local id of a container's manager.
const ManagerID = 0

// Addr locates one agent: the process listening on Host:Port and the
// agent's local id within it. Its text form is tcp://host:port/id.
type Addr struct {
	Host string
	Port int
	ID   int
}

// ParseAddr parses tcp://host:port/id. A missing id means the manager.
func ParseAddr(s string) (Addr, error) {
	u, err := url.Parse(s)
	if err != nil {
		return Addr{}, fmt.Errorf("parse address %q: %w", s, err)
	}
	if u.Scheme != "tcp" {
		return Addr{}, fmt.Errorf("parse address %q: scheme must be tcp", s)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		return Addr{}, fmt.Errorf("parse address %q: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return Addr{}, fmt.Errorf("parse address %q: bad port", s)
	}
	a := Addr{Host: host, Port: port}
	if p := strings.Trim(u.Path, "/"); p != "" {
		id, err := strconv.Atoi(p)
		if err != nil || id < 0 {
			return Addr{}, fmt.Errorf("parse address %q: bad local id", s)
		}
		a.ID = id
	}
	return a, nil
}

// MustParseAddr is ParseAddr for constants and tests.
func MustParseAddr(s string) Addr {
	a, err := ParseAddr(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Addr) String() string {
	return fmt.Sprintf("tcp://%s/%d", a.HostPort(), a.ID)
}

// HostPort returns the host:port the owning process listens on.
func (a Addr) HostPort() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// Manager returns the address of the manager in the same container.
func (a Addr) Manager() Addr {
	a.ID = ManagerID
	return a
}

// IsManager reports whether a names a manager.
func (a Addr) IsManager() bool { return a.ID == ManagerID }

// WithID returns the address of local id in the same container.
func (a Addr) WithID(id int) Addr {
	a.ID = id
	return a
}

// Less orders addresses by host, port and local id.
func (a Addr) Less(b Addr) bool {
	if a.Host != b.Host {
		return a.Host < b.Host
	}
	if a.Port != b.Port {
		return a.Port < b.Port
	}
	return a.ID < b.ID
}

// ParseAddrs parses every string or fails on the first bad one.
func ParseAddrs(ss []string) ([]Addr, error) {
	out := make([]Addr, len(ss))
	for i, s := range ss {
		a, err := ParseAddr(s)
		if err != nil {
			return nil, err
		}
		out[i] = a
	}
	return out, nil
}

// Strings formats every address.
func Strings(addrs []Addr) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.String()
	}
	return out
}

// SortAddrs returns a copy of addrs ordered by host, port and local id.
func SortAddrs(addrs []Addr) []Addr {
	out := append([]Addr(nil), addrs...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// SplitAddrs groups addresses by host and then by port.
func SplitAddrs(addrs []Addr) map[string]map[int][]Addr {
	out := make(map[string]map[int][]Addr)
	for _, a := range addrs {
		ports, ok := out[a.Host]
		if !ok {
			ports = make(map[int][]Addr)
			out[a.Host] = ports
		}
		ports[a.Port] = append(ports[a.Port], a)
	}
	return out
}

// AddrsToManagers returns the distinct manager addresses of addrs in first
// appearance order.
func AddrsToManagers(addrs []Addr) []Addr {
	seen := make(map[Addr]bool)
	var out []Addr
	for _, a := range addrs {
		m := a.Manager()
		if seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}
