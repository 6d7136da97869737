package bundler

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/taskgrid/pkg/types"
)

// Algorithm names accepted in Settings
const (
	AlgorithmFixed        = "fixed"
	AlgorithmProportional = "proportional"
	AlgorithmNodeThreads  = "nodethreads"
)

// Bundler computes the number of tasks to send to one node
type Bundler interface {
	// Name returns the algorithm name
	Name() string

	// NextSize returns the preferred size of the next bundle, always >= 1
	NextSize() int

	// Feedback records that taskCount tasks took elapsed to come back
	Feedback(taskCount int, elapsed time.Duration)

	// Dispose releases shared state when the node leaves
	Dispose()
}

// Settings selects and parameterizes an algorithm
type Settings struct {
	Algorithm string            `json:"algorithm" yaml:"algorithm"`
	Params    map[string]string `json:"params,omitempty" yaml:"params,omitempty"`
}

// DefaultSettings returns the proportional algorithm with default parameters
func DefaultSettings() Settings {
	return Settings{Algorithm: AlgorithmProportional}
}

// ConfigError reports invalid load-balancer settings
type ConfigError struct {
	Algorithm string
	Param     string
	Reason    string
}

func (e *ConfigError) Error() string {
	if e.Param == "" {
		return fmt.Sprintf("invalid load balancer settings for %q: %s", e.Algorithm, e.Reason)
	}
	return fmt.Sprintf("invalid load balancer parameter %s.%s: %s", e.Algorithm, e.Param, e.Reason)
}

var generation atomic.Uint64

// Provider creates bundlers for nodes from one validated Settings value.
// Providers are immutable apart from the shared max size; changing settings
// means building a new Provider.
type Provider struct {
	settings   Settings
	generation uint64
	maxSize    atomic.Int64

	fixedSize      int
	multiplicator  int
	initialSize    int
	cacheSize      int
	proportionFact float64
	group          *Group
}

// NewProvider validates settings and returns a provider, or a *ConfigError
func NewProvider(s Settings) (*Provider, error) {
	p := &Provider{
		settings:       copySettings(s),
		generation:     generation.Add(1),
		fixedSize:      5,
		multiplicator:  1,
		cacheSize:      2000,
		proportionFact: 2,
	}
	p.maxSize.Store(1)

	known := map[string]bool{}
	switch s.Algorithm {
	case AlgorithmFixed:
		known["size"] = true
	case AlgorithmNodeThreads:
		known["multiplicator"] = true
	case AlgorithmProportional:
		known["performanceCacheSize"] = true
		known["proportionalityFactor"] = true
		known["initialSize"] = true
	default:
		return nil, &ConfigError{Algorithm: s.Algorithm, Reason: "unknown algorithm"}
	}

	// Deterministic error reporting when several params are wrong
	names := make([]string, 0, len(s.Params))
	for name := range s.Params {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if !known[name] {
			return nil, &ConfigError{Algorithm: s.Algorithm, Param: name, Reason: "unknown parameter"}
		}
		raw := s.Params[name]
		if name == "proportionalityFactor" {
			f, err := strconv.ParseFloat(raw, 64)
			if err != nil || f <= 0 {
				return nil, &ConfigError{Algorithm: s.Algorithm, Param: name, Reason: fmt.Sprintf("expected a positive number, got %q", raw)}
			}
			p.proportionFact = f
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return nil, &ConfigError{Algorithm: s.Algorithm, Param: name, Reason: fmt.Sprintf("expected a positive integer, got %q", raw)}
		}
		switch name {
		case "size":
			p.fixedSize = n
		case "multiplicator":
			p.multiplicator = n
		case "performanceCacheSize":
			p.cacheSize = n
		case "initialSize":
			p.initialSize = n
		}
	}

	if s.Algorithm == AlgorithmProportional {
		p.group = &Group{provider: p}
	}
	return p, nil
}

// Settings returns a copy of the settings the provider was built from
func (p *Provider) Settings() Settings {
	return copySettings(p.settings)
}

// Generation identifies the provider; nodes compare it to detect a settings change
func (p *Provider) Generation() uint64 {
	return p.generation
}

// SetMaxSize updates the largest outstanding task count seen by the queue
func (p *Provider) SetMaxSize(n int) {
	if n < 1 {
		n = 1
	}
	p.maxSize.Store(int64(n))
}

// MaxSize returns the last value given to SetMaxSize
func (p *Provider) MaxSize() int {
	return int(p.maxSize.Load())
}

// NewBundler creates the bundler for one node
func (p *Provider) NewBundler(node types.NodeInfo) Bundler {
	switch p.settings.Algorithm {
	case AlgorithmFixed:
		return &fixed{size: p.fixedSize}
	case AlgorithmNodeThreads:
		threads := node.Threads
		if threads < 1 {
			threads = 1
		}
		return &fixed{name: AlgorithmNodeThreads, size: threads * p.multiplicator}
	default:
		seed := p.initialSize
		if seed < 1 {
			seed = node.Threads
		}
		if seed < 1 {
			seed = 1
		}
		return p.group.join(seed, p.cacheSize)
	}
}

// Clamp bounds a bundler's size to [1, remaining]
func Clamp(size, remaining int) int {
	if size > remaining {
		size = remaining
	}
	if size < 1 {
		size = 1
	}
	return size
}

type fixed struct {
	name string
	size int
}

func (f *fixed) Name() string {
	if f.name != "" {
		return f.name
	}
	return AlgorithmFixed
}

func (f *fixed) NextSize() int               { return f.size }
func (f *fixed) Feedback(int, time.Duration) {}
func (f *fixed) Dispose()                    {}

// Group is the set of proportional bundlers created by one provider
type Group struct {
	provider *Provider

	mu      sync.Mutex
	members map[*proportional]struct{}
}

func (g *Group) join(seed, capacity int) *proportional {
	b := &proportional{
		group: g,
		seed:  seed,
		ring:  make([]sample, capacity),
	}
	g.mu.Lock()
	if g.members == nil {
		g.members = make(map[*proportional]struct{})
	}
	g.members[b] = struct{}{}
	g.mu.Unlock()
	return b
}

type sample struct {
	tasks   int
	seconds float64
}

// proportional sizes bundles in proportion to each node's relative speed.
// Fields below group are guarded by group.mu.
type proportional struct {
	group *Group
	seed  int

	ring     []sample
	next     int
	count    int
	sumTasks int
	sumSecs  float64
	disposed bool
}

func (b *proportional) Name() string { return AlgorithmProportional }

func (b *proportional) Feedback(taskCount int, elapsed time.Duration) {
	if taskCount <= 0 {
		return
	}
	g := b.group
	g.mu.Lock()
	defer g.mu.Unlock()

	if b.count == len(b.ring) {
		old := b.ring[b.next]
		b.sumTasks -= old.tasks
		b.sumSecs -= old.seconds
	} else {
		b.count++
	}
	s := sample{tasks: taskCount, seconds: elapsed.Seconds()}
	b.ring[b.next] = s
	b.next = (b.next + 1) % len(b.ring)
	b.sumTasks += s.tasks
	b.sumSecs += s.seconds
}

func (b *proportional) NextSize() int {
	g := b.group
	g.mu.Lock()
	defer g.mu.Unlock()

	if b.count < 2 {
		return b.seed
	}

	factor := g.provider.proportionFact
	var total float64
	for m := range g.members {
		if w, ok := m.weight(factor); ok {
			total += w
		}
	}
	own, _ := b.weight(factor)
	if total <= 0 || own <= 0 {
		return b.seed
	}

	// A lone member holds the whole weight and gets MaxSize
	size := int(float64(g.provider.MaxSize())*own/total + 0.5)
	if size < 1 {
		size = 1
	}
	return size
}

// weight is 1/mean^factor, mean being seconds per task over the window
func (b *proportional) weight(factor float64) (float64, bool) {
	if b.count < 2 || b.sumTasks == 0 {
		return 0, false
	}
	mean := b.sumSecs / float64(b.sumTasks)
	if mean <= 0 {
		// Sub-resolution timings; treat as one microsecond per task
		mean = 1e-6
	}
	return 1 / math.Pow(mean, factor), true
}

func (b *proportional) Dispose() {
	g := b.group
	g.mu.Lock()
	defer g.mu.Unlock()
	if !b.disposed {
		delete(g.members, b)
		b.disposed = true
	}
}

func copySettings(s Settings) Settings {
	c := Settings{Algorithm: s.Algorithm}
	if s.Params != nil {
		c.Params = make(map[string]string, len(s.Params))
		for k, v := range s.Params {
			c.Params[k] = v
		}
	}
	return c
}
