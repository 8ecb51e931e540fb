package scenario

import (
	"bytes"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// Registry loads scenario YAML files from a directory and serves filtered,
// round-robin selection of the ones enabled for a given company (spec.md
// §2, §6). Round-robin state is one atomic counter per selection key,
// mirroring the teacher's ring-group dispatch.
type Registry struct {
	mu        sync.RWMutex
	scenarios map[string]*Scenario

	rrCounters sync.Map // selection key -> *atomic.Uint64

	logger *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		scenarios: make(map[string]*Scenario),
		logger:    logger.With("component", "scenario_registry"),
	}
}

// LoadDir loads every *.yml/*.yaml file under dir, replacing the current
// set of scenarios. A malformed or structurally invalid file aborts the
// load with an error naming the offending file; partial loads are not
// retained.
func (r *Registry) LoadDir(dir string) error {
	loaded := make(map[string]*Scenario)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := filepath.Ext(path)
		if ext != ".yml" && ext != ".yaml" {
			return nil
		}

		sc, err := loadFile(path)
		if err != nil {
			return fmt.Errorf("scenario: loading %s: %w", path, err)
		}

		vr := ValidateFlow(sc.Flow)
		if !vr.Valid {
			return fmt.Errorf("scenario: %s: invalid flow: %v", path, vr.Issues)
		}
		if len(sc.InboundFlow) > 0 {
			vr := ValidateFlow(sc.InboundFlow)
			if !vr.Valid {
				return fmt.Errorf("scenario: %s: invalid inbound_flow: %v", path, vr.Issues)
			}
		}

		if _, dup := loaded[sc.Name]; dup {
			return fmt.Errorf("scenario: duplicate scenario name %q (file %s)", sc.Name, path)
		}
		loaded[sc.Name] = sc
		return nil
	})
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.scenarios = loaded
	r.mu.Unlock()

	r.logger.Info("loaded scenarios", "count", len(loaded), "dir", dir)
	return nil
}

func loadFile(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file scenarioFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if file.Scenario.Name == "" {
		return nil, fmt.Errorf("scenario.name is required")
	}
	sc := file.Scenario
	return &sc, nil
}

// Names returns every loaded scenario's name, sorted, for panel
// registration (spec.md §6 register-scenarios).
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.scenarios))
	for n := range r.scenarios {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Get returns a scenario by name.
func (r *Registry) Get(name string) (*Scenario, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sc, ok := r.scenarios[name]
	return sc, ok
}

// enabledForCompany returns, sorted by name, every scenario whose Company
// is empty or matches company.
func (r *Registry) enabledForCompany(company string, inboundOnly bool) []*Scenario {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Scenario
	for _, sc := range r.scenarios {
		if sc.Company != "" && company != "" && sc.Company != company {
			continue
		}
		if inboundOnly && len(sc.InboundFlow) == 0 {
			continue
		}
		out = append(out, sc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// NextOutbound selects the next enabled outbound scenario for company,
// round-robin, or false if none are enabled.
func (r *Registry) NextOutbound(company string) (*Scenario, bool) {
	return r.next("outbound:"+company, r.enabledForCompany(company, false))
}

// NextInbound selects the next enabled inbound scenario for company (one
// that declares an inbound_flow), round-robin, or false if none qualify.
func (r *Registry) NextInbound(company string) (*Scenario, bool) {
	return r.next("inbound:"+company, r.enabledForCompany(company, true))
}

func (r *Registry) next(key string, candidates []*Scenario) (*Scenario, bool) {
	if len(candidates) == 0 {
		return nil, false
	}
	counterI, _ := r.rrCounters.LoadOrStore(key, new(atomic.Uint64))
	counter := counterI.(*atomic.Uint64)
	idx := counter.Add(1) - 1
	return candidates[idx%uint64(len(candidates))], true
}
