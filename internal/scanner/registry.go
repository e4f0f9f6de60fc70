package scanner

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"scand/internal/errs"
	"scand/internal/logging"
)

// Descriptor configures one addressable scanner instance.
type Descriptor struct {
	Pool               string `yaml:"pool"`
	InstanceKey        string `yaml:"instance_key"`
	ScannerType        string `yaml:"scanner_type"`
	URL                string `yaml:"url"`
	Credentials        string `yaml:"credentials"` // reference, resolved by the adapter
	Enabled            bool   `yaml:"enabled"`
	MaxConcurrentScans int    `yaml:"max_concurrent_scans"`
}

type descriptorFile struct {
	Scanners []Descriptor `yaml:"scanners"`
}

// Validate checks the descriptor's required fields.
func (d Descriptor) Validate() error {
	if d.InstanceKey == "" {
		return fmt.Errorf("scanner descriptor: instance_key is required")
	}
	if d.Pool == "" {
		return fmt.Errorf("scanner %s: pool is required", d.InstanceKey)
	}
	if d.MaxConcurrentScans <= 0 {
		return fmt.Errorf("scanner %s: max_concurrent_scans must be positive", d.InstanceKey)
	}
	return nil
}

// Factory turns a descriptor into a live adapter.
type Factory func(Descriptor) (Scanner, error)

// InstanceStatus is a point-in-time view of one instance.
type InstanceStatus struct {
	InstanceKey   string `json:"instance_key"`
	ScannerType   string `json:"scanner_type"`
	ActiveScans   int    `json:"active_scans"`
	MaxConcurrent int    `json:"max_concurrent"`
}

// PoolStatus aggregates capacity across a pool's instances.
type PoolStatus struct {
	Pool              string           `json:"pool"`
	TotalScanners     int              `json:"total_scanners"`
	TotalCapacity     int              `json:"total_capacity"`
	TotalActive       int              `json:"total_active"`
	AvailableCapacity int              `json:"available_capacity"`
	UtilizationPct    float64          `json:"utilization_pct"`
	Scanners          []InstanceStatus `json:"scanners"`
}

type instance struct {
	desc    Descriptor
	adapter Scanner
	active  int
	retired bool // removed by Reload; lives until its reservations drain
}

// Registry holds the configured instances and tracks per-instance load.
// Reservation counters live here, in memory, guarded by one mutex.
type Registry struct {
	path    string
	factory Factory
	logger  logging.Logger

	mu        sync.Mutex
	instances map[string]*instance
}

// NewRegistry loads descriptors from the yaml file at path and builds
// an adapter per instance via factory.
func NewRegistry(path string, factory Factory, logger logging.Logger) (*Registry, error) {
	r := &Registry{
		path:      path,
		factory:   factory,
		logger:    logging.OrNop(logger),
		instances: make(map[string]*instance),
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// LoadDescriptors parses the scanners file, rejecting unknown keys.
func LoadDescriptors(path string) ([]Descriptor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scanners file: %w", err)
	}
	var file descriptorFile
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("parse scanners file %s: %w", path, err)
	}
	seen := make(map[string]bool, len(file.Scanners))
	for _, d := range file.Scanners {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if seen[d.InstanceKey] {
			return nil, fmt.Errorf("scanner %s: duplicate instance_key", d.InstanceKey)
		}
		seen[d.InstanceKey] = true
	}
	return file.Scanners, nil
}

// Reload swaps the descriptor set without interrupting in-flight
// reservations. Instances that disappear from the file are retired and
// closed once their last reservation releases.
func (r *Registry) Reload() error {
	descs, err := LoadDescriptors(r.path)
	if err != nil {
		return errs.E("scanner.Reload", errs.KindInvalidArgument, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[string]Descriptor, len(descs))
	for _, d := range descs {
		next[d.InstanceKey] = d
	}

	// retire instances no longer configured
	for key, inst := range r.instances {
		if _, ok := next[key]; ok {
			continue
		}
		if inst.active == 0 {
			r.closeLocked(inst)
			delete(r.instances, key)
			continue
		}
		inst.retired = true
		r.logger.Info("scanner %s retired with %d active scans", key, inst.active)
	}

	for key, d := range next {
		if inst, ok := r.instances[key]; ok {
			inst.desc = d
			inst.retired = false
			continue
		}
		adapter, err := r.factory(d)
		if err != nil {
			return errs.E("scanner.Reload", errs.KindInternal, fmt.Errorf("build adapter %s: %w", key, err))
		}
		r.instances[key] = &instance{desc: d, adapter: adapter}
	}
	r.logger.Info("scanner registry loaded %d instances", len(r.instances))
	return nil
}

// Pools returns the configured pool names, sorted.
func (r *Registry) Pools() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := map[string]bool{}
	for _, inst := range r.instances {
		if !inst.retired {
			set[inst.desc.Pool] = true
		}
	}
	pools := make([]string, 0, len(set))
	for p := range set {
		pools = append(pools, p)
	}
	sort.Strings(pools)
	return pools
}

// Descriptors returns the live descriptors, sorted by instance key.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Descriptor, 0, len(r.instances))
	for _, inst := range r.instances {
		if !inst.retired {
			out = append(out, inst.desc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceKey < out[j].InstanceKey })
	return out
}

// Reserve picks the least-loaded enabled instance in the pool with
// spare capacity, ties broken by lexically-lowest instance key, and
// increments its active counter. Returns false when the pool has no
// capacity.
func (r *Registry) Reserve(pool string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best *instance
	for _, inst := range r.instances {
		if inst.retired || !inst.desc.Enabled || inst.desc.Pool != pool {
			continue
		}
		if inst.active >= inst.desc.MaxConcurrentScans {
			continue
		}
		if best == nil ||
			inst.active < best.active ||
			(inst.active == best.active && inst.desc.InstanceKey < best.desc.InstanceKey) {
			best = inst
		}
	}
	if best == nil {
		return "", false
	}
	best.active++
	return best.desc.InstanceKey, true
}

// Release decrements the instance's active counter. Retired instances
// are closed and dropped once they drain.
func (r *Registry) Release(instanceKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[instanceKey]
	if !ok {
		return
	}
	if inst.active > 0 {
		inst.active--
	}
	if inst.retired && inst.active == 0 {
		r.closeLocked(inst)
		delete(r.instances, instanceKey)
	}
}

// Adapter returns the live Scanner for an instance key.
func (r *Registry) Adapter(instanceKey string) (Scanner, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[instanceKey]
	if !ok {
		return nil, errs.Errorf("scanner.Adapter", errs.KindNotFound, "instance %s not registered", instanceKey)
	}
	return inst.adapter, nil
}

// Status reports the capacity view for one pool.
func (r *Registry) Status(pool string) (PoolStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := PoolStatus{Pool: pool}
	for _, inst := range r.instances {
		if inst.retired || inst.desc.Pool != pool {
			continue
		}
		out.TotalScanners++
		out.TotalCapacity += inst.desc.MaxConcurrentScans
		out.TotalActive += inst.active
		out.Scanners = append(out.Scanners, InstanceStatus{
			InstanceKey:   inst.desc.InstanceKey,
			ScannerType:   inst.desc.ScannerType,
			ActiveScans:   inst.active,
			MaxConcurrent: inst.desc.MaxConcurrentScans,
		})
	}
	if out.TotalScanners == 0 {
		return PoolStatus{}, errs.Errorf("scanner.Status", errs.KindNotFound, "pool %s not configured", pool)
	}
	sort.Slice(out.Scanners, func(i, j int) bool { return out.Scanners[i].InstanceKey < out.Scanners[j].InstanceKey })
	out.AvailableCapacity = out.TotalCapacity - out.TotalActive
	if out.TotalCapacity > 0 {
		out.UtilizationPct = float64(out.TotalActive) / float64(out.TotalCapacity) * 100
	}
	return out, nil
}

// Close shuts down every adapter. Used at process shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, inst := range r.instances {
		r.closeLocked(inst)
		delete(r.instances, key)
	}
}

func (r *Registry) closeLocked(inst *instance) {
	if err := inst.adapter.Close(); err != nil {
		r.logger.Warn("closing scanner %s: %v", inst.desc.InstanceKey, err)
	}
}
