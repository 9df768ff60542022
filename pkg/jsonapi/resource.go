package jsonapi

import "time"

// ResourceBuilder assembles a Resource.
type ResourceBuilder struct {
	resource Resource
}

// NewResource starts a resource of the given type and ID.
func NewResource(resourceType, id string) *ResourceBuilder {
	return &ResourceBuilder{
		resource: Resource{
			Type:       resourceType,
			ID:         id,
			Attributes: make(map[string]any),
		},
	}
}

// Attr sets an attribute.
func (b *ResourceBuilder) Attr(key string, value any) *ResourceBuilder {
	b.resource.Attributes[key] = value
	return b
}

// Time sets an RFC 3339 UTC timestamp attribute. A nil or zero time is
// left out.
func (b *ResourceBuilder) Time(key string, t *time.Time) *ResourceBuilder {
	if t == nil || t.IsZero() {
		return b
	}
	b.resource.Attributes[key] = t.UTC().Format(time.RFC3339)
	return b
}

// Meta sets a resource meta entry.
func (b *ResourceBuilder) Meta(key string, value any) *ResourceBuilder {
	if b.resource.Meta == nil {
		b.resource.Meta = make(Meta)
	}
	b.resource.Meta[key] = value
	return b
}

// Build returns the resource.
func (b *ResourceBuilder) Build() Resource {
	return b.resource
}
