package livecache

// EventKind classifies a change. The numeric order encodes dominance:
// when several changes to the same entity coalesce into one notification,
// the highest kind wins (a delete supersedes an update supersedes a create).
type EventKind uint8

const (
	KindCreated EventKind = iota + 1
	KindUpdated
	KindDeleted
)

func (k EventKind) String() string {
	switch k {
	case KindCreated:
		return "created"
	case KindUpdated:
		return "updated"
	case KindDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Dominates reports whether k supersedes o when both target the same entity.
func (k EventKind) Dominates(o EventKind) bool {
	return k > o
}

// EntityKind is the type half of an entity reference. Unlike a raw string
// tag it cannot drift: adding a kind means extending the switch in String
// and Resource, and the compiler flags every site that matters.
type EntityKind uint8

const (
	EntityProject EntityKind = iota + 1
	EntityFolder
	EntityLibrary
	EntityAsset
)

func (e EntityKind) String() string {
	switch e {
	case EntityProject:
		return "project"
	case EntityFolder:
		return "folder"
	case EntityLibrary:
		return "library"
	case EntityAsset:
		return "asset"
	default:
		return "unknown"
	}
}

// Resource returns the backend resource this entity kind maps to.
func (e EntityKind) Resource() Resource {
	switch e {
	case EntityProject:
		return ResourceProject
	case EntityFolder:
		return ResourceFolder
	case EntityLibrary:
		return ResourceLibrary
	case EntityAsset:
		return ResourceAsset
	default:
		return ""
	}
}

// EntityRef identifies one entity as a (kind, id) pair.
type EntityRef struct {
	Kind EntityKind
	ID   string
}

func (r EntityRef) String() string {
	return r.Kind.String() + "/" + r.ID
}

// ScopeIDs carries the container identifiers a change belongs to. Zero
// fields mean the dimension does not apply (a project event has no parent
// library). Consumers use these to decide whether an event concerns a
// scope they are rendering.
type ScopeIDs struct {
	Project string
	Folder  string
	Library string
}

// list returns the non-empty scope identifiers, outermost first.
func (s ScopeIDs) list() []string {
	out := make([]string, 0, 3)
	if s.Project != "" {
		out = append(out, s.Project)
	}
	if s.Folder != "" {
		out = append(out, s.Folder)
	}
	if s.Library != "" {
		out = append(out, s.Library)
	}
	return out
}

// Event is the structured notification published on the Bus after the
// caches for the affected scope have been invalidated and refreshed.
// By the time a handler observes an Event, reads through the engine
// already return post-change data.
type Event struct {
	Kind   EventKind
	Entity EntityRef
	Scopes ScopeIDs
}
