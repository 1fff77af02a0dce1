package registry

import (
	"errors"
	"fmt"
	"sync"

	"panostitch/internal/params"
)

// Category names a stage slot. The value doubles as the parameter name that
// selects the option.
type Category string

const (
	FeaturesFinder      Category = "featuresFinder"
	FeaturesMatcher     Category = "featuresMatcher"
	Estimator           Category = "estimator"
	BundleAdjuster      Category = "bundleAdjuster"
	Warper              Category = "warper"
	SeamFinder          Category = "seamFinder"
	ExposureCompensator Category = "exposureCompensator"
	Blender             Category = "blender"
	InterpolationFlags  Category = params.InterpolationFlags
	Mode                Category = params.Mode
)

// ErrUnknownOption is returned when no factory is registered under a name.
var ErrUnknownOption = errors.New("unknown option")

// ItemType is the value type of a ConfigItem.
type ItemType string

const (
	TypeString ItemType = "STRING"
	TypeFloat  ItemType = "FLOAT"
	TypeInt    ItemType = "INT"
)

// Range is an inclusive numeric interval.
type Range struct {
	Min float64 `json:"min" yaml:"min"`
	Max float64 `json:"max" yaml:"max"`
}

// ConfigItem describes one tunable for configuration front ends.
type ConfigItem struct {
	Title       string   `json:"title" yaml:"title"`
	Type        ItemType `json:"type" yaml:"type"`
	Options     []string `json:"options,omitempty" yaml:"options,omitempty"`
	Range       *Range   `json:"range,omitempty" yaml:"range,omitempty"`
	Default     any      `json:"default" yaml:"default"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
}

// Factory builds a stage from the current parameters.
type Factory func(p *params.Parameters) any

type slot struct {
	item      ConfigItem
	factories map[string]Factory
}

// Registry maps (category, option) pairs to stage factories and keeps the
// schema of every tunable in registration order.
type Registry struct {
	mu    sync.RWMutex
	slots map[string]*slot
	order []string
}

func New() *Registry {
	return &Registry{slots: make(map[string]*slot)}
}

func (r *Registry) slot(title string, typ ItemType) *slot {
	s, ok := r.slots[title]
	if !ok {
		s = &slot{item: ConfigItem{Title: title, Type: typ}, factories: make(map[string]Factory)}
		r.slots[title] = s
		r.order = append(r.order, title)
	}
	return s
}

// Register adds a typed factory. The first option registered for a category
// is its default.
func Register[T any](r *Registry, cat Category, option string, fn func(*params.Parameters) T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.slot(string(cat), TypeString)
	if _, exists := s.factories[option]; !exists {
		s.item.Options = append(s.item.Options, option)
	}
	if s.item.Default == nil {
		s.item.Default = option
	}
	s.factories[option] = func(p *params.Parameters) any { return fn(p) }
}

// AddChoice declares a STRING tunable without factories, such as the
// stitching mode.
func (r *Registry) AddChoice(cat Category, description string, options ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.slot(string(cat), TypeString)
	s.item.Description = description
	for _, opt := range options {
		if _, exists := s.factories[opt]; !exists {
			s.factories[opt] = nil
			s.item.Options = append(s.item.Options, opt)
		}
	}
	if s.item.Default == nil && len(options) > 0 {
		s.item.Default = options[0]
	}
}

// AddNumber declares a FLOAT or INT tunable.
func (r *Registry) AddNumber(name string, typ ItemType, min, max float64, def any, description string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.slot(name, typ)
	s.item.Type = typ
	s.item.Range = &Range{Min: min, Max: max}
	s.item.Default = def
	s.item.Description = description
}

// Describe sets the description of an existing item.
func (r *Registry) Describe(title, description string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.slots[title]; ok {
		s.item.Description = description
	}
}

// Create builds the stage registered under option.
func Create[T any](r *Registry, cat Category, option string, p *params.Parameters) (T, error) {
	var zero T
	r.mu.RLock()
	s, ok := r.slots[string(cat)]
	var fn Factory
	if ok {
		fn = s.factories[option]
	}
	r.mu.RUnlock()
	if fn == nil {
		return zero, fmt.Errorf("%s %q: %w", cat, option, ErrUnknownOption)
	}
	v, ok := fn(p).(T)
	if !ok {
		return zero, fmt.Errorf("%s %q does not produce %T", cat, option, zero)
	}
	return v, nil
}

// CreateOrDefault builds option, or the category default when option is
// unknown. fallback reports whether the default was used.
func CreateOrDefault[T any](r *Registry, cat Category, option string, p *params.Parameters) (stage T, fallback bool, err error) {
	stage, err = Create[T](r, cat, option, p)
	if err == nil || !errors.Is(err, ErrUnknownOption) {
		return stage, false, err
	}
	def := r.DefaultOption(cat)
	stage, err = Create[T](r, cat, def, p)
	return stage, true, err
}

// DefaultOption returns the first option of a category.
func (r *Registry) DefaultOption(cat Category) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.slots[string(cat)]; ok && len(s.item.Options) > 0 {
		return s.item.Options[0]
	}
	return ""
}

// Options lists the option names of a category in registration order.
func (r *Registry) Options(cat Category) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.slots[string(cat)]; ok {
		return append([]string(nil), s.item.Options...)
	}
	return nil
}

// Has reports whether option is known for cat.
func (r *Registry) Has(cat Category, option string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.slots[string(cat)]
	if !ok {
		return false
	}
	_, ok = s.factories[option]
	return ok
}

// Schema returns a copy of every ConfigItem in registration order.
func (r *Registry) Schema() []ConfigItem {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]ConfigItem, 0, len(r.order))
	for _, title := range r.order {
		item := r.slots[title].item
		item.Options = append([]string(nil), item.Options...)
		if item.Range != nil {
			rng := *item.Range
			item.Range = &rng
		}
		items = append(items, item)
	}
	return items
}

// Item looks up one ConfigItem by title.
func (r *Registry) Item(title string) (ConfigItem, bool) {
	for _, item := range r.Schema() {
		if item.Title == title {
			return item, true
		}
	}
	return ConfigItem{}, false
}

// Defaults returns a Parameters document holding every item's default.
func (r *Registry) Defaults(opts ...params.Option) *params.Parameters {
	p := params.New(opts...)
	for _, item := range r.Schema() {
		if item.Default != nil {
			p.Set(item.Title, item.Default)
		}
	}
	return p
}
