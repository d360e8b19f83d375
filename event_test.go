package livecache

import "testing"

// TestKindDominance verifies the coalescing order: delete beats update
// beats create, and nothing dominates itself.
func TestKindDominance(t *testing.T) {
	kinds := []EventKind{KindCreated, KindUpdated, KindDeleted}
	for i, lo := range kinds {
		for j, hi := range kinds {
			want := j > i
			if got := hi.Dominates(lo); got != want {
				t.Fatalf("%v.Dominates(%v) = %v, want %v", hi, lo, got, want)
			}
		}
	}
}

// TestEntityKindResource verifies the entity-to-resource mapping used for
// scope resolution.
func TestEntityKindResource(t *testing.T) {
	cases := map[EntityKind]Resource{
		EntityProject: ResourceProject,
		EntityFolder:  ResourceFolder,
		EntityLibrary: ResourceLibrary,
		EntityAsset:   ResourceAsset,
	}
	for ek, want := range cases {
		if got := ek.Resource(); got != want {
			t.Fatalf("%v.Resource() = %q, want %q", ek, got, want)
		}
	}
	if got := EntityKind(0).Resource(); got != "" {
		t.Fatalf("zero entity kind mapped to %q", got)
	}
}

// TestScopeListOutermostFirst verifies ordering and empty-dimension
// skipping.
func TestScopeListOutermostFirst(t *testing.T) {
	s := ScopeIDs{Project: "p1", Folder: "f1", Library: "lib-1"}
	got := s.list()
	want := []string{"p1", "f1", "lib-1"}
	if !equalStrings(got, want) {
		t.Fatalf("list() = %v, want %v", got, want)
	}

	partial := ScopeIDs{Project: "p1", Library: "lib-1"}
	if got := partial.list(); !equalStrings(got, []string{"p1", "lib-1"}) {
		t.Fatalf("partial list() = %v", got)
	}
	if got := (ScopeIDs{}).list(); len(got) != 0 {
		t.Fatalf("zero scopes listed %v", got)
	}
}

// TestEntityRefString verifies the log form.
func TestEntityRefString(t *testing.T) {
	ref := EntityRef{Kind: EntityAsset, ID: "a1"}
	if got := ref.String(); got != "asset/a1" {
		t.Fatalf("String() = %q, want asset/a1", got)
	}
}
