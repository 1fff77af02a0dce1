package params

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Parameters is a typed name/value bag. Values are strings, booleans, int64
// or float64; other integer and float kinds are widened on Set.
type Parameters struct {
	mu     sync.RWMutex
	values map[string]any
	log    *slog.Logger
}

// Option customises a Parameters value.
type Option func(*Parameters)

// WithLogger routes diagnostics to logger instead of slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(p *Parameters) {
		p.log = logger
	}
}

func New(opts ...Option) *Parameters {
	p := &Parameters{values: make(map[string]any)}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Parameters) logger() *slog.Logger {
	if p.log != nil {
		return p.log
	}
	return slog.Default()
}

// Set stores value under name, replacing any previous value.
func (p *Parameters) Set(name string, value any) {
	p.set(name, value, true)
}

// SetDefault stores value only when name is not present yet. It reports
// whether the value was stored.
func (p *Parameters) SetDefault(name string, value any) bool {
	return p.set(name, value, false)
}

func (p *Parameters) set(name string, value any, overwrite bool) bool {
	v, ok := normalize(value)
	if !ok {
		p.logger().Warn("unsupported parameter value", "name", name, "type", fmt.Sprintf("%T", value))
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if old, exists := p.values[name]; exists {
		if !overwrite {
			p.logger().Warn("parameter exists, not overwriting", "name", name, "current", old, "ignored", v)
			return false
		}
		if old != v {
			p.logger().Debug("parameter overwritten", "name", name, "old", old, "new", v)
		}
	}
	p.values[name] = v
	return true
}

func (p *Parameters) Has(name string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.values[name]
	return ok
}

func (p *Parameters) Delete(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.values, name)
}

func (p *Parameters) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.values)
}

// Names returns the stored names in ascending order.
func (p *Parameters) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.values))
	for name := range p.values {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the raw stored value.
func (p *Parameters) Lookup(name string) (any, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.values[name]
	return v, ok
}

// Map returns a copy of all values.
func (p *Parameters) Map() map[string]any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]any, len(p.values))
	for k, v := range p.values {
		out[k] = v
	}
	return out
}

func (p *Parameters) Clone() *Parameters {
	out := New(WithLogger(p.log))
	out.values = p.Map()
	return out
}

// Merge copies every value of other into p, overwriting.
func (p *Parameters) Merge(other *Parameters) {
	if other == nil {
		return
	}
	for k, v := range other.Map() {
		p.Set(k, v)
	}
}

func (p *Parameters) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values = make(map[string]any)
}

// Scalar lists the value types Get can return.
type Scalar interface {
	string | bool | int | int64 | float64
}

// Get returns the value stored under name converted to T. Missing names and
// unconvertible values log a warning and yield def.
func Get[T Scalar](p *Parameters, name string, def T) T {
	if p == nil {
		return def
	}
	v, ok := p.Lookup(name)
	if !ok {
		p.logger().Warn("parameter not set, using default", "name", name, "default", def)
		return def
	}
	out, ok := coerce[T](v)
	if !ok {
		p.logger().Warn("parameter has unexpected type, using default",
			"name", name, "type", fmt.Sprintf("%T", v), "default", def)
		return def
	}
	return out
}

func coerce[T Scalar](v any) (T, bool) {
	var zero T
	switch any(zero).(type) {
	case string:
		s, ok := v.(string)
		return any(s).(T), ok
	case bool:
		b, ok := v.(bool)
		return any(b).(T), ok
	case int:
		n, ok := asInt(v)
		return any(int(n)).(T), ok
	case int64:
		n, ok := asInt(v)
		return any(n).(T), ok
	case float64:
		switch x := v.(type) {
		case float64:
			return any(x).(T), true
		case int64:
			return any(float64(x)).(T), true
		}
	}
	return zero, false
}

func asInt(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case float64:
		if x == math.Trunc(x) && !math.IsInf(x, 0) {
			return int64(x), true
		}
	}
	return 0, false
}

func normalize(value any) (any, bool) {
	switch v := value.(type) {
	case string, bool, int64, float64:
		return v, true
	case int:
		return int64(v), true
	case int8:
		return int64(v), true
	case int16:
		return int64(v), true
	case int32:
		return int64(v), true
	case uint:
		return fromUnsigned(uint64(v))
	case uint8:
		return int64(v), true
	case uint16:
		return int64(v), true
	case uint32:
		return int64(v), true
	case uint64:
		return fromUnsigned(v)
	case float32:
		return float64(v), true
	case json.Number:
		return fromNumber(v)
	}
	return nil, false
}

// fromUnsigned rejects values that do not fit an int64.
func fromUnsigned(v uint64) (any, bool) {
	if v > math.MaxInt64 {
		return nil, false
	}
	return int64(v), true
}

func fromNumber(n json.Number) (any, bool) {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		if i, err := n.Int64(); err == nil {
			return i, true
		}
	}
	f, err := n.Float64()
	if err != nil {
		return nil, false
	}
	return f, true
}

type entry struct {
	Value json.RawMessage `json:"value"`
}

// MarshalJSON writes the flat {name: {value: ...}} document. Floats always
// carry a fraction or exponent so that they read back as floats.
func (p *Parameters) MarshalJSON() ([]byte, error) {
	doc := make(map[string]entry)
	for name, v := range p.Map() {
		raw, err := encodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("parameter %s: %w", name, err)
		}
		doc[name] = entry{Value: raw}
	}
	return json.Marshal(doc)
}

func encodeValue(v any) (json.RawMessage, error) {
	f, ok := v.(float64)
	if !ok {
		return json.Marshal(v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, errors.New("non-finite float")
	}
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return json.RawMessage(s), nil
}

// UnmarshalJSON merges a {name: {value: ...}} document into p. Entries of any
// other shape are skipped.
func (p *Parameters) UnmarshalJSON(data []byte) error {
	if p.values == nil {
		p.values = make(map[string]any)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse parameters: %w", err)
	}
	for name, raw := range doc {
		var e entry
		if err := json.Unmarshal(raw, &e); err != nil || len(e.Value) == 0 {
			p.logger().Debug("skipping malformed parameter entry", "name", name)
			continue
		}
		dec := json.NewDecoder(bytes.NewReader(e.Value))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil {
			p.logger().Debug("skipping unreadable parameter value", "name", name, "error", err)
			continue
		}
		if v == nil {
			continue
		}
		p.set(name, v, true)
	}
	return nil
}

// ToJSON renders the parameters as indented JSON.
func (p *Parameters) ToJSON() ([]byte, error) {
	raw, err := p.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// FromJSON merges the document into p.
func (p *Parameters) FromJSON(data []byte) error {
	return p.UnmarshalJSON(data)
}

// Parse builds a new Parameters from a JSON document.
func Parse(data []byte, opts ...Option) (*Parameters, error) {
	p := New(opts...)
	if err := p.FromJSON(data); err != nil {
		return nil, err
	}
	return p, nil
}

// Load reads a parameters file into p.
func (p *Parameters) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := p.FromJSON(data); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// Save writes p to path.
func (p *Parameters) Save(path string) error {
	data, err := p.ToJSON()
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

func (p *Parameters) String() string {
	data, err := p.ToJSON()
	if err != nil {
		return fmt.Sprintf("<invalid parameters: %v>", err)
	}
	return string(data)
}
