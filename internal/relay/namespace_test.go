package relay

import (
	"testing"

	"github.com/danmuck/uplinkctl/internal/testutil/testlog"
)

func TestDeriveNamespace(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		account, qualifier, want string
	}{
		{"alice", "default", "alice___default_"},
		{"anonymous", "laptop", "anonymoulaptop__"},
		{"averylongaccount", "averylongqualifier", "averylonaverylon"},
		{"", "", "________________"},
		{"äöü", "x", "äöü_____x_______"},
	}
	for _, tc := range cases {
		got := DeriveNamespace(tc.account, tc.qualifier)
		if got != tc.want {
			t.Fatalf("DeriveNamespace(%q, %q) = %q, want %q", tc.account, tc.qualifier, got, tc.want)
		}
	}
}

func TestNamespaceRegistry(t *testing.T) {
	testlog.Start(t)
	r := NewNamespaceRegistry()

	if !r.Acquire("ns-a", "s1") {
		t.Fatalf("first acquire failed")
	}
	if !r.Acquire("ns-a", "s1") {
		t.Fatalf("re-acquire by the same owner failed")
	}
	if r.Acquire("ns-a", "s2") {
		t.Fatalf("collision not detected")
	}
	r.Release("ns-a", "s2")
	if owner, ok := r.Owner("ns-a"); !ok || owner != "s1" {
		t.Fatalf("release by non-owner changed ownership: %q %v", owner, ok)
	}
	if !r.Acquire("ns-b", "s2") {
		t.Fatalf("acquire ns-b failed")
	}
	if got := r.Snapshot(); len(got) != 2 || got[0] != "ns-a" || got[1] != "ns-b" {
		t.Fatalf("snapshot: %v", got)
	}
	r.Release("ns-a", "s1")
	if r.Acquire("ns-a", "s3") != true {
		t.Fatalf("released namespace not reusable")
	}
}
