// Package topology lays agents out in structured neighbourhoods: 2D grids
// stacked across slave environments, and arbitrary graphs mapped onto an
// environment's agents. Both produce connection maps in the form accepted
// by CreateConnections.
package topology

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ssd-technologies/creamas/internal/fanout"
)

var (
	ErrGridFull     = errors.New("grid is full")
	ErrOutsideGrid  = errors.New("coordinate outside grid")
	ErrBadGridSize  = errors.New("grid size must be positive")
	ErrSizeMismatch = errors.New("graph and agent counts differ")
)

// Point is a coordinate in the grid spanning every slave of a layout.
type Point struct {
	X, Y int
}

func (p Point) String() string { return fmt.Sprintf("(%d,%d)", p.X, p.Y) }

// Dir is a cardinal direction. Y grows southwards.
type Dir byte

const (
	North Dir = 'N'
	East  Dir = 'E'
	South Dir = 'S'
	West  Dir = 'W'
)

// Dirs lists the cardinal directions clockwise from north.
var Dirs = []Dir{North, East, South, West}

func (d Dir) String() string { return string(d) }

// Step returns the neighbouring point of p in direction d.
func Step(p Point, d Dir) Point {
	switch d {
	case North:
		p.Y--
	case East:
		p.X++
	case South:
		p.Y++
	case West:
		p.X--
	}
	return p
}

// Grid is the w×h block of cells owned by one environment, anchored at
// origin. Cells hold agent addresses and fill column by column.
type Grid struct {
	origin Point
	w, h   int
	cells  [][]string
	placed int
}

// NewGrid returns an empty grid.
func NewGrid(origin Point, w, h int) (*Grid, error) {
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("%w, got %dx%d", ErrBadGridSize, w, h)
	}
	cells := make([][]string, w)
	for i := range cells {
		cells[i] = make([]string, h)
	}
	return &Grid{origin: origin, w: w, h: h, cells: cells}, nil
}

func (g *Grid) Origin() Point { return g.origin }

func (g *Grid) Size() (w, h int) { return g.w, g.h }

// Full reports whether every cell holds an agent.
func (g *Grid) Full() bool { return g.placed == g.w*g.h }

// Contains reports whether p lies inside the grid.
func (g *Grid) Contains(p Point) bool {
	return p.X >= g.origin.X && p.X < g.origin.X+g.w &&
		p.Y >= g.origin.Y && p.Y < g.origin.Y+g.h
}

// Place puts addr in the first free cell and returns its coordinate.
func (g *Grid) Place(addr string) (Point, error) {
	for i := range g.cells {
		for j := range g.cells[i] {
			if g.cells[i][j] == "" {
				g.cells[i][j] = addr
				g.placed++
				return Point{X: g.origin.X + i, Y: g.origin.Y + j}, nil
			}
		}
	}
	return Point{}, fmt.Errorf("place %s: %w", addr, ErrGridFull)
}

// At returns the agent at p, or "" for a free cell.
func (g *Grid) At(p Point) (string, error) {
	if !g.Contains(p) {
		return "", fmt.Errorf("%s: %w", p, ErrOutsideGrid)
	}
	return g.cells[p.X-g.origin.X][p.Y-g.origin.Y], nil
}

// Layout stacks one grid per slave environment horizontally, west to east
// in slave order.
type Layout struct {
	origin   Point
	w, h     int
	managers []string
	grids    []*Grid
	points   map[string]Point
}

// NewLayout gives each manager a w×h grid, the first one anchored at origin.
func NewLayout(origin Point, w, h int, managers []string) (*Layout, error) {
	l := &Layout{
		origin:   origin,
		w:        w,
		h:        h,
		managers: append([]string(nil), managers...),
		grids:    make([]*Grid, len(managers)),
		points:   make(map[string]Point),
	}
	for i := range managers {
		g, err := NewGrid(Point{X: origin.X + i*w, Y: origin.Y}, w, h)
		if err != nil {
			return nil, err
		}
		l.grids[i] = g
	}
	return l, nil
}

// Grid returns the grid of the slave managed at manager.
func (l *Layout) Grid(manager string) (*Grid, bool) {
	for i, m := range l.managers {
		if m == manager {
			return l.grids[i], true
		}
	}
	return nil, false
}

// End is the south-east corner of the layout.
func (l *Layout) End() Point {
	return Point{X: l.origin.X + l.w*len(l.grids) - 1, Y: l.origin.Y + l.h - 1}
}

// EnvironmentAt returns the manager whose grid contains p.
func (l *Layout) EnvironmentAt(p Point) (string, bool) {
	for i, g := range l.grids {
		if g.Contains(p) {
			return l.managers[i], true
		}
	}
	return "", false
}

// Place puts addr into the grid of manager.
func (l *Layout) Place(manager, addr string) (Point, error) {
	g, ok := l.Grid(manager)
	if !ok {
		return Point{}, fmt.Errorf("no grid for %s", manager)
	}
	p, err := g.Place(addr)
	if err != nil {
		return Point{}, err
	}
	l.points[addr] = p
	return p, nil
}

// At returns the agent at p anywhere in the layout.
func (l *Layout) At(p Point) (string, error) {
	for _, g := range l.grids {
		if g.Contains(p) {
			return g.At(p)
		}
	}
	return "", fmt.Errorf("%s: %w", p, ErrOutsideGrid)
}

// PointOf returns where addr was placed.
func (l *Layout) PointOf(addr string) (Point, bool) {
	p, ok := l.points[addr]
	return p, ok
}

// Full reports whether every slave grid is full.
func (l *Layout) Full() bool {
	for _, g := range l.grids {
		if !g.Full() {
			return false
		}
	}
	return len(l.grids) > 0
}

// Neighbors returns the agents next to addr in each direction. Directions
// leading off the layout or onto a free cell are absent.
func (l *Layout) Neighbors(addr string) map[Dir]string {
	p, ok := l.points[addr]
	if !ok {
		return nil
	}
	out := make(map[Dir]string, len(Dirs))
	for _, d := range Dirs {
		nb, err := l.At(Step(p, d))
		if err == nil && nb != "" {
			out[d] = nb
		}
	}
	return out
}

// Connections maps every placed agent to its grid neighbours with a neutral
// attitude.
func (l *Layout) Connections() map[string]map[string]float64 {
	out := make(map[string]map[string]float64, len(l.points))
	for addr := range l.points {
		peers := make(map[string]float64)
		for _, nb := range l.Neighbors(addr) {
			peers[nb] = 0
		}
		out[addr] = peers
	}
	return out
}

// Society is a multi-slave environment that can host a grid layout.
type Society interface {
	GetSlaveManagers() []string
	SpawnN(ctx context.Context, kind string, n int, args json.RawMessage, slave string) ([]string, error)
	CreateConnections(ctx context.Context, conns map[string]map[string]float64) error
}

// GridSpec describes a grid population.
type GridSpec struct {
	Origin        Point
	Width, Height int
	Kind          string
	Args          json.RawMessage
	// Concurrency bounds slaves populated at once; <= 0 is unbounded.
	Concurrency int
}

// Populate fills a fresh grid in every slave of s with spec.Kind agents,
// then connects each agent to its cardinal neighbours, across slave
// boundaries too. Slaves must not hold other agents the grid should know
// about; only the agents spawned here are placed.
func Populate(ctx context.Context, s Society, spec GridSpec) (*Layout, error) {
	managers := s.GetSlaveManagers()
	l, err := NewLayout(spec.Origin, spec.Width, spec.Height, managers)
	if err != nil {
		return nil, err
	}
	n := spec.Width * spec.Height
	outs := fanout.Map(ctx, managers, spec.Concurrency, func(ctx context.Context, mgr string) ([]string, error) {
		return s.SpawnN(ctx, spec.Kind, n, spec.Args, mgr)
	})
	spawned, err := fanout.Values(outs, func(i int) string { return "slave " + managers[i] })
	if err != nil {
		return nil, fmt.Errorf("populate grid: %w", err)
	}
	for i, addrs := range spawned {
		for _, addr := range addrs {
			if _, err := l.Place(managers[i], addr); err != nil {
				return nil, err
			}
		}
	}
	if err := s.CreateConnections(ctx, l.Connections()); err != nil {
		return nil, fmt.Errorf("connect grid neighbours: %w", err)
	}
	return l, nil
}
