package strategy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"cyclone/internal/cycle"
	"cyclone/internal/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Template describes one cycle strategy: the parameter set a new cycle is
// stamped with, plus an optional JSON schema constraining per-cycle
// overrides supplied at creation time.
type Template struct {
	ID          string                 `mapstructure:"id" yaml:"id"`
	Description string                 `mapstructure:"description" yaml:"description"`
	Version     int                    `mapstructure:"version" yaml:"version"`
	Symbols     []string               `mapstructure:"symbols" yaml:"symbols"`
	Params      cycle.Params           `mapstructure:"params" yaml:"params"`
	Schema      map[string]interface{} `mapstructure:"schema" yaml:"schema"`

	schemaCompiled *jsonschema.Schema
}

// FileConfig maps the strategies file.
type FileConfig struct {
	Strategies map[string]Template `mapstructure:"strategies" yaml:"strategies"`
}

// Snapshot is the published template set.
type Snapshot struct {
	Version   int64
	LoadedAt  time.Time
	Templates map[string]Template
}

// ChangeListener fires after the registry reloads.
type ChangeListener func(Snapshot)

// Registry manages strategy templates and hot-reloads them on file change.
// Running cycles keep the parameter snapshot they were created with; a
// reload only affects cycles created afterwards.
type Registry struct {
	path string
	v    *viper.Viper

	mu        sync.RWMutex
	snapshot  Snapshot
	listeners []ChangeListener
}

// NewRegistry reads the strategies file and watches it for updates.
func NewRegistry(path string) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("strategy registry requires path")
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read strategies config failed: %w", err)
	}
	r := &Registry{path: path, v: v}
	if err := r.reload(); err != nil {
		return nil, err
	}
	v.OnConfigChange(func(evt fsnotify.Event) {
		if err := r.reload(); err != nil {
			logger.Errorf("strategy reload failed: %v", err)
			return
		}
		r.notifyListeners()
	})
	v.WatchConfig()
	return r, nil
}

// Snapshot returns the current template set.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneSnapshot(r.snapshot)
}

// Template returns the template with the given ID.
func (r *Registry) Template(id string) (Template, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tpl, ok := r.snapshot.Templates[strings.TrimSpace(id)]
	return tpl, ok
}

// IDs returns the sorted template identifiers.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.snapshot.Templates))
	for id := range r.snapshot.Templates {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// OnChange registers a listener invoked after every successful reload.
func (r *Registry) OnChange(fn ChangeListener) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

// Resolve validates overrides against the template schema, applies them on
// top of the template params and returns the final parameter snapshot.
func (r *Registry) Resolve(id, symbol string, overrides map[string]any) (Template, cycle.Params, error) {
	tpl, ok := r.Template(id)
	if !ok {
		return Template{}, cycle.Params{}, fmt.Errorf("unknown strategy: %s", id)
	}
	if !tpl.AllowsSymbol(symbol) {
		return Template{}, cycle.Params{}, fmt.Errorf("strategy %s does not trade %s", tpl.ID, symbol)
	}
	params, err := tpl.Resolve(overrides)
	if err != nil {
		return Template{}, cycle.Params{}, err
	}
	return tpl, params, nil
}

func (r *Registry) reload() error {
	cfg, err := readStrategiesFile(r.path)
	if err != nil {
		return err
	}
	if len(cfg.Strategies) == 0 {
		return fmt.Errorf("strategies config %s defines no templates", r.path)
	}
	templates := make(map[string]Template)
	for name, tpl := range cfg.Strategies {
		norm, err := normalizeTemplate(name, tpl)
		if err != nil {
			return err
		}
		templates[norm.ID] = norm
	}
	r.mu.Lock()
	r.snapshot = Snapshot{
		Version:   r.snapshot.Version + 1,
		LoadedAt:  time.Now(),
		Templates: templates,
	}
	r.mu.Unlock()
	logger.Infof("Strategy registry loaded %d templates from %s", len(templates), filepath.Base(r.path))
	return nil
}

func (r *Registry) notifyListeners() {
	r.mu.RLock()
	snap := cloneSnapshot(r.snapshot)
	listeners := append([]ChangeListener(nil), r.listeners...)
	r.mu.RUnlock()
	for _, fn := range listeners {
		if fn == nil {
			continue
		}
		go func(cb ChangeListener) {
			defer safeRecover("strategy listener")
			cb(snap)
		}(fn)
	}
}

func normalizeTemplate(name string, tpl Template) (Template, error) {
	tpl.ID = strings.TrimSpace(tpl.ID)
	if tpl.ID == "" {
		tpl.ID = strings.TrimSpace(name)
	}
	if tpl.Version <= 0 {
		tpl.Version = 1
	}
	tpl.Description = strings.TrimSpace(tpl.Description)
	for i, sym := range tpl.Symbols {
		tpl.Symbols[i] = cycle.NormalizeSymbol(sym)
	}
	if err := tpl.Params.Validate(); err != nil {
		return Template{}, fmt.Errorf("strategy %s: %w", tpl.ID, err)
	}
	if len(tpl.Schema) > 0 {
		compiled, err := compileSchema(tpl.Schema)
		if err != nil {
			return Template{}, fmt.Errorf("strategy %s schema compile failed: %w", tpl.ID, err)
		}
		tpl.schemaCompiled = compiled
	}
	return tpl, nil
}

// AllowsSymbol reports whether the template may trade the symbol. A
// template without a symbols list trades anything.
func (t Template) AllowsSymbol(symbol string) bool {
	if len(t.Symbols) == 0 {
		return true
	}
	symbol = cycle.NormalizeSymbol(symbol)
	for _, s := range t.Symbols {
		if s == symbol {
			return true
		}
	}
	return false
}

// Validate checks the overrides against the template schema.
func (t Template) Validate(overrides map[string]any) error {
	if t.schemaCompiled == nil {
		return nil
	}
	return t.schemaCompiled.Validate(sanitizeParams(overrides))
}

// Resolve applies overrides on top of the template params and validates the
// result.
func (t Template) Resolve(overrides map[string]any) (cycle.Params, error) {
	merged := t.Params
	if len(overrides) > 0 {
		if err := t.Validate(overrides); err != nil {
			return cycle.Params{}, fmt.Errorf("strategy %s overrides rejected: %w", t.ID, err)
		}
		raw, err := json.Marshal(sanitizeParams(overrides))
		if err != nil {
			return cycle.Params{}, err
		}
		if err := json.Unmarshal(raw, &merged); err != nil {
			return cycle.Params{}, fmt.Errorf("strategy %s overrides malformed: %w", t.ID, err)
		}
	}
	if err := merged.Validate(); err != nil {
		return cycle.Params{}, fmt.Errorf("strategy %s: %w", t.ID, err)
	}
	return merged, nil
}

func cloneSnapshot(src Snapshot) Snapshot {
	dst := Snapshot{
		Version:   src.Version,
		LoadedAt:  src.LoadedAt,
		Templates: make(map[string]Template, len(src.Templates)),
	}
	for id, tpl := range src.Templates {
		dst.Templates[id] = tpl
	}
	return dst
}

func safeRecover(tag string) {
	if r := recover(); r != nil {
		logger.Errorf("%s panic: %v", tag, r)
	}
}

func compileSchema(data map[string]interface{}) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", strings.NewReader(string(raw))); err != nil {
		return nil, err
	}
	return compiler.Compile("schema.json")
}

func readStrategiesFile(path string) (FileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, fmt.Errorf("read strategies config failed: %w", err)
	}
	var cfg FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return FileConfig{}, fmt.Errorf("parse strategies config failed: %w", err)
	}
	return cfg, nil
}

// sanitizeParams walks override values and coerces numeric strings, so
// hand-typed request bodies like "200" validate against number schemas.
func sanitizeParams(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			out[k] = sanitizeParams(child)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = sanitizeParams(child)
		}
		return out
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return val
		}
		if num, err := strconv.ParseFloat(s, 64); err == nil {
			return num
		}
		return val
	default:
		return val
	}
}
