// Package registry maps instrument model names to type tags and type tags
// to acquisition profiles. A Registry is immutable once built.
package registry

import (
	"sort"
	"strings"
)

type Registry struct {
	types    map[string]string
	profiles map[string]*Profile
}

// New builds a registry from a model→tag table and a tag→profile table.
// Model names are matched trimmed and case-insensitively.
func New(types map[string]string, profiles map[string]*Profile) *Registry {
	r := &Registry{
		types:    make(map[string]string, len(types)),
		profiles: make(map[string]*Profile, len(profiles)),
	}
	for model, tag := range types {
		key := modelKey(model)
		if key == "" {
			continue
		}
		r.types[key] = strings.TrimSpace(tag)
	}
	for tag, p := range profiles {
		r.profiles[tag] = p
	}
	return r
}

// Resolve returns the type tag for a model name, or "" when unknown.
func (r *Registry) Resolve(model string) string {
	return r.types[modelKey(model)]
}

// ConfigFor returns the profile for tag. A missing profile is not an error;
// the caller decides whether a fallback applies.
func (r *Registry) ConfigFor(tag string) (*Profile, bool) {
	p, ok := r.profiles[tag]
	return p, ok
}

// Tags lists the tags that have a profile, sorted.
func (r *Registry) Tags() []string {
	tags := make([]string, 0, len(r.profiles))
	for tag := range r.profiles {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Models returns the number of known model names.
func (r *Registry) Models() int {
	return len(r.types)
}

func modelKey(model string) string {
	return strings.ToUpper(strings.TrimSpace(model))
}
