package livecache

import (
	"fmt"
	"strings"
)

// Resource names a backend collection that can be cached and, for most
// resources, subscribed to for realtime changes.
type Resource string

const (
	ResourceProject        Resource = "project"
	ResourceFolder         Resource = "folder"
	ResourceLibrary        Resource = "library"
	ResourceAsset          Resource = "asset"
	ResourceCollaborator   Resource = "collaborator"
	ResourceSchemaProperty Resource = "schema_property"

	// ResourceAuth is a cache namespace for authorization lookups.
	// It has no backend collection and cannot be subscribed to.
	ResourceAuth Resource = "auth"
)

// Common operations. Op is free-form; these cover the built-in read shapes.
const (
	OpList = "list"
	OpGet  = "get"
	OpRole = "role"
)

// Key identifies one cache entry. Scope is the identifier that bounds
// invalidation: a change delivered for scope S touches every key whose
// Scope equals S, regardless of resource or operation. Detail reads
// therefore keep their parent container in Scope and carry the entity id
// in Sub, so they fall inside the same invalidation sweep as the lists
// they appear in.
//
// Serialized form is "{resource}:{op}:{scope}" or
// "{resource}:{op}:{scope}:{sub}". Resource, Op and Scope must not
// contain ':'; Sub may (it absorbs the remainder on parse).
type Key struct {
	Resource Resource
	Op       string
	Scope    string
	Sub      string
}

// ListKey is the key for a scoped collection read, e.g. all assets in a
// library or all folders in a project.
func ListKey(r Resource, scope string) Key {
	return Key{Resource: r, Op: OpList, Scope: scope}
}

// GetKey is the key for a single-entity read inside a scope.
func GetKey(r Resource, scope, id string) Key {
	return Key{Resource: r, Op: OpGet, Scope: scope, Sub: id}
}

// RoleKey is the key for a cached access-role lookup. Revocation checks
// never read this entry; it exists for display purposes only.
func RoleKey(projectID, actorID string) Key {
	return Key{Resource: ResourceAuth, Op: OpRole, Scope: projectID, Sub: actorID}
}

func (k Key) String() string {
	if k.Sub == "" {
		return string(k.Resource) + ":" + k.Op + ":" + k.Scope
	}
	return string(k.Resource) + ":" + k.Op + ":" + k.Scope + ":" + k.Sub
}

// InScope reports whether an invalidation or eviction of scope touches
// this key.
func (k Key) InScope(scope string) bool {
	return k.Scope == scope
}

// ParseKey parses the serialized form produced by Key.String.
func ParseKey(s string) (Key, error) {
	parts := strings.SplitN(s, ":", 4)
	if len(parts) < 3 {
		return Key{}, fmt.Errorf("%w: %q", ErrBadKey, s)
	}
	for _, p := range parts[:3] {
		if p == "" {
			return Key{}, fmt.Errorf("%w: empty segment in %q", ErrBadKey, s)
		}
	}
	k := Key{
		Resource: Resource(parts[0]),
		Op:       parts[1],
		Scope:    parts[2],
	}
	if len(parts) == 4 {
		if parts[3] == "" {
			return Key{}, fmt.Errorf("%w: empty subscope in %q", ErrBadKey, s)
		}
		k.Sub = parts[3]
	}
	return k, nil
}
