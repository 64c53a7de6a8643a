// Package uarch models the microarchitecture description consumed by the
// timing engine: register files, issue queues, functional units, pipe maps,
// and the memory system. Descriptions are loaded from YAML or JSON files,
// optionally patched by overlay files and dotted-path settings, validated
// fail-fast, and then treated as immutable.
package uarch

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Branch prediction modes.
const (
	BranchPredictionNone    = "none"
	BranchPredictionPerfect = "perfect"
)

// Register file and functional unit types.
const (
	TypeScalar = "scalar"
	TypeVector = "vector"
)

// Memory placement, write, and inclusion policies.
const (
	PlacementDirectMap = "direct_map"
	PlacementSetAssoc  = "set_assoc"
	ReplacementLRU     = "LRU"
	WriteBack          = "write_back"
	WriteThrough       = "write_through"
	Inclusive          = "inclusive"
	Exclusive          = "exclusive"
)

// Memory request types, used as latency table keys.
const (
	ReqRead       = "read"
	ReqWrite      = "write"
	ReqFetchRead  = "fetch_read"
	ReqFetchWrite = "fetch_write"
)

// Config is the root of a validated microarchitecture description.
type Config struct {
	Core            CoreConfig                 `yaml:"config"`
	RegisterFiles   map[string]*RegisterFile   `yaml:"register_files"`
	IssueQueues     map[string]*IssueQueue     `yaml:"issue_queues"`
	FunctionalUnits map[string]*FunctionalUnit `yaml:"functional_units"`
	PipeMaps        []string                   `yaml:"pipe_maps"`
	MemorySystem    MemorySystem               `yaml:"memory_system"`
}

// CoreConfig holds the front-end and vector-geometry parameters.
type CoreConfig struct {
	BranchPrediction string `yaml:"branch_prediction"`
	FetchRate        int    `yaml:"fetch_rate"`
	// DecodeRate 0 means unbounded (drain whatever the fetch queue holds).
	DecodeRate int `yaml:"decode_rate"`
	// FetchQueueSize 0 means unbounded.
	FetchQueueSize int `yaml:"fetch_queue_size"`
	VectorSlices   int `yaml:"vector_slices"`
}

// RegisterFile describes one architectural register file and its ports.
// Port counts of 0 mean unrestricted. Registers listed as dedicated draw
// from their own per-register pools instead of the shared pool.
type RegisterFile struct {
	Type                string   `yaml:"type"`
	ReadPorts           int      `yaml:"read_ports"`
	WritePorts          int      `yaml:"write_ports"`
	DedicatedReadPorts  []string `yaml:"dedicated_read_ports"`
	DedicatedWritePorts []string `yaml:"dedicated_write_ports"`
}

// IssueQueue describes one per-class issue queue. Size 0 or -1 means
// unbounded.
type IssueQueue struct {
	Size int `yaml:"size"`
}

// FunctionalUnit describes one functional unit kind. Count instances are
// created, all fed from the named issue queue.
type FunctionalUnit struct {
	Count      int    `yaml:"count"`
	Type       string `yaml:"type"`
	IssueQueue string `yaml:"issue_queue"`
	// EIQSize 0 means unbounded.
	EIQSize    int  `yaml:"eiq_size"`
	CanSkipEIQ bool `yaml:"can_skip_eiq"`
	Depth      int  `yaml:"depth"`
	Pipelined  bool `yaml:"pipelined"`

	LoadStage         *int `yaml:"load_stage"`
	FixedLoadLatency  *int `yaml:"fixed_load_latency"`
	StoreStage        *int `yaml:"store_stage"`
	FixedStoreLatency *int `yaml:"fixed_store_latency"`

	MemoryInterface string `yaml:"memory_interface"`
	// WritebackBuffSize 0 means unbounded.
	WritebackBuffSize int `yaml:"writeback_buff_size"`
}

// HasMemory reports whether the unit performs loads or stores.
func (fu *FunctionalUnit) HasMemory() bool {
	return fu.LoadStage != nil || fu.StoreStage != nil
}

// Instances is the configured instance count, defaulting to 1.
func (fu *FunctionalUnit) Instances() int {
	if fu.Count <= 0 {
		return 1
	}
	return fu.Count
}

// MemorySystem is the root of the cache-level tree. The root itself is main
// memory; Levels hang caches off it.
type MemorySystem struct {
	Latencies map[string]int         `yaml:"latencies"`
	Levels    map[string]*CacheLevel `yaml:"levels"`
}

// CacheLevel describes one cache in the hierarchy. A level without child
// Levels is a front level: functional units may bind to it through
// memory_interface.
type CacheLevel struct {
	Type      string    `yaml:"type"`
	Placement Placement `yaml:"placement"`
	// LineSize is in bits, as vendors quote it.
	LineSize    int                    `yaml:"line_size"`
	Size        ByteSize               `yaml:"size"`
	WritePolicy string                 `yaml:"write_policy"`
	Inclusion   string                 `yaml:"inclusion"`
	Latencies   map[string]int         `yaml:"latencies"`
	Levels      map[string]*CacheLevel `yaml:"levels"`
}

// Placement selects direct-mapped or set-associative placement.
type Placement struct {
	Type        string `yaml:"type"`
	SetSize     int    `yaml:"set_size"`
	Replacement string `yaml:"replacement"`
}

// ByteSize is a capacity given either as a bare byte count or as a string
// with a unit suffix ("16KB", "2 MB", ...).
type ByteSize int64

var byteSizeRE = regexp.MustCompile(`^(\d+)\s*([kKmMgGtT]?[bB])?$`)

// UnmarshalYAML accepts integers and unit-suffixed strings.
func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case int:
		*b = ByteSize(v)
		return nil
	case string:
		m := byteSizeRE.FindStringSubmatch(strings.TrimSpace(v))
		if m == nil {
			return fmt.Errorf("invalid size %q", v)
		}
		n, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid size %q: %w", v, err)
		}
		switch strings.ToLower(m[2]) {
		case "", "b":
		case "kb":
			n <<= 10
		case "mb":
			n <<= 20
		case "gb":
			n <<= 30
		case "tb":
			n <<= 40
		}
		*b = ByteSize(n)
		return nil
	default:
		return fmt.Errorf("invalid size %v", raw)
	}
}

// Log2 returns floor(log2(bytes)).
func (b ByteSize) Log2() int {
	return int(math.Log2(float64(b)))
}

// LoadRaw reads one YAML or JSON description file into a raw tree. JSON
// parses as YAML.
func LoadRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return raw, nil
}

// Load reads the base description, applies overlay files and dotted-path
// settings ("a.b.c=value"), strips comments, and returns the validated
// configuration.
func Load(base string, overlays []string, sets []string) (*Config, error) {
	raw, err := LoadRaw(base)
	if err != nil {
		return nil, err
	}

	for _, path := range overlays {
		overlay, err := LoadRaw(path)
		if err != nil {
			return nil, err
		}
		MergeOverlay(raw, overlay)
	}

	for _, set := range sets {
		eq := strings.IndexByte(set, '=')
		if eq < 0 {
			return nil, fmt.Errorf("setting %q: expected PATH=VALUE", set)
		}
		var value any
		if err := yaml.Unmarshal([]byte(set[eq+1:]), &value); err != nil {
			return nil, fmt.Errorf("setting %q: %w", set, err)
		}
		if err := ApplySetting(raw, strings.Split(set[:eq], "."), value); err != nil {
			return nil, err
		}
	}

	return FromRaw(raw)
}

// FromRaw converts an overlay-merged raw tree into a validated Config.
func FromRaw(raw map[string]any) (*Config, error) {
	RemoveComments(raw)

	data, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("re-encoding configuration: %w", err)
	}

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decoding configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// MemoryLevelNames returns every cache-level name plus "main", sorted.
func (c *Config) MemoryLevelNames() []string {
	names := []string{"main"}
	var walk func(levels map[string]*CacheLevel)
	walk = func(levels map[string]*CacheLevel) {
		for name, lvl := range levels {
			names = append(names, name)
			walk(lvl.Levels)
		}
	}
	walk(c.MemorySystem.Levels)
	sort.Strings(names)
	return names
}

// Validate checks the description for internal consistency. Errors are
// reported at load time, before any cycle is simulated; nothing is
// silently defaulted.
func (c *Config) Validate() error {
	switch c.Core.BranchPrediction {
	case BranchPredictionNone, BranchPredictionPerfect:
	default:
		return fmt.Errorf("config.branch_prediction: unknown mode %q",
			c.Core.BranchPrediction)
	}
	if c.Core.FetchRate <= 0 {
		return fmt.Errorf("config.fetch_rate must be positive, got %d",
			c.Core.FetchRate)
	}
	if c.Core.DecodeRate < 0 {
		return fmt.Errorf("config.decode_rate must not be negative, got %d",
			c.Core.DecodeRate)
	}

	hasVector := false
	for name, rf := range c.RegisterFiles {
		switch rf.Type {
		case TypeScalar:
		case TypeVector:
			hasVector = true
		default:
			return fmt.Errorf("register_files.%s.type: unknown type %q",
				name, rf.Type)
		}
	}
	if hasVector && c.Core.VectorSlices <= 0 {
		return fmt.Errorf("config.vector_slices must be positive when a"+
			" vector register file is configured, got %d", c.Core.VectorSlices)
	}

	levelNames := make(map[string]bool)
	for _, name := range c.MemoryLevelNames() {
		levelNames[name] = true
	}
	if err := c.validateMemoryLevels(c.MemorySystem.Levels); err != nil {
		return err
	}
	if err := validateLatencies("memory_system", c.MemorySystem.Latencies); err != nil {
		return err
	}

	for name, fu := range c.FunctionalUnits {
		switch fu.Type {
		case TypeScalar, TypeVector:
		default:
			return fmt.Errorf("functional_units.%s.type: unknown type %q",
				name, fu.Type)
		}
		if fu.Type == TypeVector && !hasVector {
			return fmt.Errorf("functional_units.%s: vector unit without a"+
				" vector register file", name)
		}
		if _, ok := c.IssueQueues[fu.IssueQueue]; !ok {
			return fmt.Errorf("functional_units.%s.issue_queue: unknown"+
				" issue queue %q", name, fu.IssueQueue)
		}
		if fu.Depth <= 0 {
			return fmt.Errorf("functional_units.%s.depth must be positive,"+
				" got %d", name, fu.Depth)
		}
		if fu.LoadStage != nil {
			if fu.FixedLoadLatency == nil {
				return fmt.Errorf("functional_units.%s: load_stage requires"+
					" fixed_load_latency", name)
			}
			if *fu.LoadStage+*fu.FixedLoadLatency >= fu.Depth {
				return fmt.Errorf("functional_units.%s: load_stage +"+
					" fixed_load_latency must be below depth %d", name, fu.Depth)
			}
		}
		if fu.StoreStage != nil {
			if fu.FixedStoreLatency == nil {
				return fmt.Errorf("functional_units.%s: store_stage requires"+
					" fixed_store_latency", name)
			}
			if *fu.StoreStage+*fu.FixedStoreLatency >= fu.Depth {
				return fmt.Errorf("functional_units.%s: store_stage +"+
					" fixed_store_latency must be below depth %d", name, fu.Depth)
			}
		}
		if fu.HasMemory() && fu.MemoryInterface == "" {
			return fmt.Errorf("functional_units.%s: load/store stages require"+
				" a memory_interface", name)
		}
		if fu.MemoryInterface != "" && !levelNames[fu.MemoryInterface] {
			return fmt.Errorf("functional_units.%s.memory_interface: unknown"+
				" memory level %q", name, fu.MemoryInterface)
		}
	}

	return nil
}

func (c *Config) validateMemoryLevels(levels map[string]*CacheLevel) error {
	for name, lvl := range levels {
		if lvl.LineSize <= 0 || lvl.LineSize%8 != 0 {
			return fmt.Errorf("memory level %s: line_size must be a positive"+
				" multiple of 8 bits, got %d", name, lvl.LineSize)
		}
		lineBytes := lvl.LineSize / 8
		if lineBytes&(lineBytes-1) != 0 {
			return fmt.Errorf("memory level %s: line size %d bytes is not a"+
				" power of two", name, lineBytes)
		}
		if lvl.Size <= 0 || int64(lvl.Size)%int64(lineBytes) != 0 {
			return fmt.Errorf("memory level %s: size %d is not a multiple of"+
				" the line size", name, lvl.Size)
		}
		switch lvl.Placement.Type {
		case PlacementDirectMap:
		case PlacementSetAssoc:
			if lvl.Placement.SetSize <= 0 ||
				lvl.Placement.SetSize&(lvl.Placement.SetSize-1) != 0 {
				return fmt.Errorf("memory level %s: set_size must be a power"+
					" of two, got %d", name, lvl.Placement.SetSize)
			}
			if lvl.Placement.Replacement != ReplacementLRU {
				return fmt.Errorf("memory level %s: unknown replacement"+
					" policy %q", name, lvl.Placement.Replacement)
			}
		default:
			return fmt.Errorf("memory level %s: unknown placement type %q",
				name, lvl.Placement.Type)
		}
		switch lvl.WritePolicy {
		case WriteBack, WriteThrough:
		default:
			return fmt.Errorf("memory level %s: unknown write policy %q",
				name, lvl.WritePolicy)
		}
		if len(lvl.Levels) > 0 {
			switch lvl.Inclusion {
			case Inclusive, Exclusive:
			default:
				return fmt.Errorf("memory level %s: unknown inclusion"+
					" policy %q", name, lvl.Inclusion)
			}
		}
		if err := validateLatencies("memory level "+name, lvl.Latencies); err != nil {
			return err
		}
		if err := c.validateMemoryLevels(lvl.Levels); err != nil {
			return err
		}
	}
	return nil
}

func validateLatencies(where string, latencies map[string]int) error {
	for _, req := range []string{ReqRead, ReqWrite, ReqFetchRead, ReqFetchWrite} {
		lat, ok := latencies[req]
		if !ok {
			return fmt.Errorf("%s: missing %q latency", where, req)
		}
		if lat <= 0 {
			return fmt.Errorf("%s: %q latency must be positive, got %d",
				where, req, lat)
		}
	}
	return nil
}
