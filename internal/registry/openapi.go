package registry

import (
	"fmt"

	"github.com/getkin/kin-openapi/openapi3"

	"panostitch/internal/params"
)

// OpenAPI renders the schema as an OpenAPI object schema whose properties
// are the parameter names.
func (r *Registry) OpenAPI() *openapi3.Schema {
	obj := openapi3.NewObjectSchema()
	obj.Title = "Parameters"
	for _, item := range r.Schema() {
		var s *openapi3.Schema
		switch item.Type {
		case TypeFloat:
			s = openapi3.NewFloat64Schema()
		case TypeInt:
			s = openapi3.NewInt64Schema()
		default:
			s = openapi3.NewStringSchema()
			enum := make([]any, len(item.Options))
			for i, opt := range item.Options {
				enum[i] = opt
			}
			s = s.WithEnum(enum...)
		}
		if item.Range != nil {
			s = s.WithMin(item.Range.Min).WithMax(item.Range.Max)
		}
		s.Title = item.Title
		s.Description = item.Description
		s.Default = item.Default
		obj = obj.WithProperty(item.Title, s)
	}
	return obj
}

// Document wraps OpenAPI in a minimal OpenAPI 3 document.
func (r *Registry) Document(version string) *openapi3.T {
	return &openapi3.T{
		OpenAPI: "3.0.3",
		Info: &openapi3.Info{
			Title:   "panostitch parameters",
			Version: version,
		},
		Paths: openapi3.NewPaths(),
		Components: &openapi3.Components{
			Schemas: openapi3.Schemas{
				"Parameters": openapi3.NewSchemaRef("", r.OpenAPI()),
			},
		},
	}
}

// Validate checks p against the schema. Unknown option names are reported
// even though the stitcher falls back to defaults for them.
func (r *Registry) Validate(p *params.Parameters) error {
	doc := make(map[string]any)
	for name, v := range p.Map() {
		if _, known := r.Item(name); !known {
			continue
		}
		if n, ok := v.(int64); ok {
			doc[name] = float64(n)
			continue
		}
		doc[name] = v
	}
	if err := r.OpenAPI().VisitJSON(doc); err != nil {
		return fmt.Errorf("invalid parameters: %w", err)
	}
	return nil
}
