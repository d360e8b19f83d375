package livecache

import (
	"errors"
	"testing"
)

// TestKeyStringForms verifies the serialized shapes of the built-in key
// constructors.
func TestKeyStringForms(t *testing.T) {
	cases := []struct {
		name string
		key  Key
		want string
	}{
		{"list", ListKey(ResourceAsset, "lib-1"), "asset:list:lib-1"},
		{"get", GetKey(ResourceAsset, "lib-1", "a1"), "asset:get:lib-1:a1"},
		{"role", RoleKey("p1", "me"), "auth:role:p1:me"},
		{"custom_op", Key{Resource: ResourceLibrary, Op: "tree", Scope: "p1"}, "library:tree:p1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.key.String(); got != tc.want {
				t.Fatalf("String() = %q, want %q", got, tc.want)
			}
		})
	}
}

// TestParseKeyRoundTrip verifies String and ParseKey are inverses,
// including sub segments that contain the separator.
func TestParseKeyRoundTrip(t *testing.T) {
	keys := []Key{
		ListKey(ResourceFolder, "p1"),
		GetKey(ResourceAsset, "lib-1", "a1"),
		RoleKey("p1", "me"),
		{Resource: ResourceAsset, Op: OpGet, Scope: "lib-1", Sub: "a1:rev:4"},
	}
	for _, k := range keys {
		got, err := ParseKey(k.String())
		if err != nil {
			t.Fatalf("ParseKey(%q): %v", k.String(), err)
		}
		if got != k {
			t.Fatalf("round trip %q: got %+v, want %+v", k.String(), got, k)
		}
	}
}

// TestParseKeyRejectsMalformed covers the shapes ParseKey must refuse.
func TestParseKeyRejectsMalformed(t *testing.T) {
	bad := []string{
		"",
		"asset",
		"asset:list",
		":list:lib-1",
		"asset::lib-1",
		"asset:list:",
		"asset:list:lib-1:",
	}
	for _, s := range bad {
		if _, err := ParseKey(s); !errors.Is(err, ErrBadKey) {
			t.Fatalf("ParseKey(%q) err = %v, want %v", s, err, ErrBadKey)
		}
	}
}

// TestKeyInScope verifies scope membership: only the Scope segment
// matters, so detail keys ride along with their container's sweeps.
func TestKeyInScope(t *testing.T) {
	if !ListKey(ResourceAsset, "lib-1").InScope("lib-1") {
		t.Fatalf("list key not in its own scope")
	}
	if !GetKey(ResourceAsset, "lib-1", "a1").InScope("lib-1") {
		t.Fatalf("detail key not in its container's scope")
	}
	if GetKey(ResourceAsset, "lib-1", "a1").InScope("a1") {
		t.Fatalf("detail key matched its sub segment as a scope")
	}
	if ListKey(ResourceAsset, "lib-1").InScope("lib-2") {
		t.Fatalf("key matched a foreign scope")
	}
}
