package engine

import (
	"slices"
	"strings"

	"github.com/polisai/packetflow/pkg/domain"
	"github.com/polisai/packetflow/pkg/engine/runtime"
)

// nodeRegistry stores canonical node classes and alias mappings.
type nodeRegistry struct {
	classes map[string]runtime.NodeClass
	aliases map[string]string
}

type classMetadata struct {
	Kind      string
	Version   string
	Canonical string
}

func newNodeRegistry() *nodeRegistry {
	return &nodeRegistry{
		classes: make(map[string]runtime.NodeClass),
		aliases: make(map[string]string),
	}
}

func parseNodeType(raw string) (string, string) {
	kind, version, _ := strings.Cut(strings.TrimSpace(raw), "@")
	return kind, version
}

func canonicalKey(kind, version string) string {
	kind = strings.TrimSpace(kind)
	version = strings.TrimSpace(version)
	if version == "" {
		return kind
	}
	return kind + "@" + version
}

func versionFromKey(key string) string {
	_, version := parseNodeType(key)
	return version
}

// register adds class under its descriptor name. The bare kind resolves to the most
// recently registered version of it unless an alias already claims it.
func (r *nodeRegistry) register(class runtime.NodeClass) error {
	if err := class.Descriptor.Validate(); err != nil {
		name := ""
		if class.Descriptor != nil {
			name = class.Descriptor.Name
		}
		return &domain.InvalidNodeError{Name: name, Reason: err.Error()}
	}
	if class.Construct == nil {
		return &domain.InvalidNodeError{Name: class.Descriptor.Name, Reason: "class has no constructor"}
	}

	kind, version := parseNodeType(class.Descriptor.Name)
	canonical := canonicalKey(kind, version)
	if _, exists := r.classes[canonical]; exists {
		return &domain.InvalidNodeError{Name: canonical, Reason: "a node with this name is already registered"}
	}

	r.classes[canonical] = class
	for _, alias := range class.Descriptor.Aliases {
		alias = strings.TrimSpace(alias)
		if alias == "" {
			continue
		}
		r.aliases[alias] = canonical
	}
	if version != "" {
		if current, exists := r.aliases[kind]; !exists || versionFromKey(current) != "" {
			r.aliases[kind] = canonical
		}
	}
	return nil
}

func (r *nodeRegistry) resolve(raw string) (runtime.NodeClass, classMetadata, bool) {
	kind, version := parseNodeType(raw)
	canonical := canonicalKey(kind, version)
	if class, ok := r.classes[canonical]; ok {
		return class, classMetadata{Kind: kind, Version: version, Canonical: canonical}, true
	}
	if alias, ok := r.aliases[strings.TrimSpace(raw)]; ok {
		if class, ok := r.classes[alias]; ok {
			aliasKind, aliasVersion := parseNodeType(alias)
			return class, classMetadata{Kind: aliasKind, Version: aliasVersion, Canonical: alias}, true
		}
	}
	if version == "" {
		if alias, ok := r.aliases[kind]; ok {
			if class, ok := r.classes[alias]; ok {
				return class, classMetadata{Kind: kind, Version: versionFromKey(alias), Canonical: alias}, true
			}
		}
	}
	return runtime.NodeClass{}, classMetadata{}, false
}

// descriptors returns the registered descriptors sorted by canonical name.
func (r *nodeRegistry) descriptors() []*runtime.NodeDescriptor {
	keys := make([]string, 0, len(r.classes))
	for key := range r.classes {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	out := make([]*runtime.NodeDescriptor, 0, len(keys))
	for _, key := range keys {
		out = append(out, r.classes[key].Descriptor)
	}
	return out
}
