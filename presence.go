package livecache

import (
	"hash/fnv"
	"sort"
	"time"
)

const defaultVisiblePresence = 5

// PresenceStatus is the activity level shown next to an actor.
type PresenceStatus uint8

const (
	StatusOnline PresenceStatus = iota + 1
	StatusIdle
	StatusOffline
)

func (s PresenceStatus) String() string {
	switch s {
	case StatusOnline:
		return "online"
	case StatusIdle:
		return "idle"
	case StatusOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// Focus pins presence to one asset and optionally one field of it.
// A zero Field means the whole asset.
type Focus struct {
	Asset string
	Field string
}

// PresenceRecord is one actor as shown in a presence strip.
type PresenceRecord struct {
	ActorID      string
	DisplayName  string
	ColorTag     string
	Focus        Focus
	LastActivity time.Time
	Status       PresenceStatus
	Local        bool
}

// PresenceView is the merged, ordered roster ready for rendering: a
// visible prefix of at most the configured limit, the count hidden behind
// the overflow indicator, and the full ordering for expanded views.
type PresenceView struct {
	Visible  []PresenceRecord
	Overflow int
	All      []PresenceRecord
}

// PresenceOptions tunes one presence observation.
type PresenceOptions struct {
	// VisibleLimit caps the visible prefix. Default 5.
	VisibleLimit int
}

// MergeRoster builds the rendered view from a remote roster and the local
// actor. Remote records are filtered to the requested focus; the local
// actor always appears exactly once, synthesized from self even when the
// roster echoes them back (local knowledge of "I am here, now" beats a
// possibly stale echo, though the echo's display fields are kept when
// self carries none). Ordering is local first, then most recent activity,
// with actor id as the deterministic tie-break.
func MergeRoster(remote []PresenceRecord, self PresenceRecord, focus Focus, now time.Time, visibleLimit int) PresenceView {
	if visibleLimit <= 0 {
		visibleLimit = defaultVisiblePresence
	}

	out := make([]PresenceRecord, 0, len(remote)+1)
	var echo *PresenceRecord
	for _, rec := range remote {
		if rec.ActorID == self.ActorID {
			r := rec
			echo = &r
			continue
		}
		if focus.Asset != "" && rec.Focus.Asset != focus.Asset {
			continue
		}
		if focus.Field != "" && rec.Focus.Field != focus.Field {
			continue
		}
		rec.Local = false
		if rec.ColorTag == "" {
			rec.ColorTag = colorTag(rec.ActorID)
		}
		out = append(out, rec)
	}

	self.Local = true
	self.Focus = focus
	if self.Status == 0 {
		self.Status = StatusOnline
	}
	if self.LastActivity.IsZero() {
		self.LastActivity = now
	}
	if echo != nil {
		if self.DisplayName == "" {
			self.DisplayName = echo.DisplayName
		}
		if self.ColorTag == "" {
			self.ColorTag = echo.ColorTag
		}
	}
	if self.ColorTag == "" {
		self.ColorTag = colorTag(self.ActorID)
	}
	out = append(out, self)

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Local != b.Local {
			return a.Local
		}
		if !a.LastActivity.Equal(b.LastActivity) {
			return a.LastActivity.After(b.LastActivity)
		}
		return a.ActorID < b.ActorID
	})

	view := PresenceView{All: out}
	if len(out) > visibleLimit {
		view.Visible = out[:visibleLimit]
		view.Overflow = len(out) - visibleLimit
	} else {
		view.Visible = out
	}
	return view
}

var presencePalette = [...]string{
	"amber", "teal", "violet", "rose", "lime", "sky", "coral", "indigo",
}

// colorTag derives a stable avatar hue for actors whose roster record
// carries none.
func colorTag(actorID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(actorID))
	return presencePalette[h.Sum32()%uint32(len(presencePalette))]
}
