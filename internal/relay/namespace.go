package relay

import (
	"sort"
	"strings"
	"sync"

	"github.com/danmuck/uplinkctl/internal/protocol"
)

// DeriveNamespace builds the namespace assigned to a session: the account
// and the qualifier, each cut to NamespaceFieldLength characters and padded
// with NamespacePadding.
func DeriveNamespace(account, qualifier string) string {
	return fixedField(account) + fixedField(qualifier)
}

func fixedField(s string) string {
	r := []rune(s)
	if len(r) > protocol.NamespaceFieldLength {
		r = r[:protocol.NamespaceFieldLength]
	}
	out := string(r)
	if pad := protocol.NamespaceFieldLength - len(r); pad > 0 {
		out += strings.Repeat(string(protocol.NamespacePadding), pad)
	}
	return out
}

// NamespaceRegistry tracks which session holds each namespace.
type NamespaceRegistry struct {
	mu   sync.Mutex
	held map[string]string
}

func NewNamespaceRegistry() *NamespaceRegistry {
	return &NamespaceRegistry{held: make(map[string]string)}
}

// Acquire assigns ns to owner. It fails if another owner holds ns.
func (r *NamespaceRegistry) Acquire(ns, owner string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.held[ns]; ok && cur != owner {
		return false
	}
	r.held[ns] = owner
	return true
}

// Release frees ns if owner holds it.
func (r *NamespaceRegistry) Release(ns, owner string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.held[ns] == owner {
		delete(r.held, ns)
	}
}

func (r *NamespaceRegistry) Owner(ns string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	owner, ok := r.held[ns]
	return owner, ok
}

// Snapshot returns the held namespaces in sorted order.
func (r *NamespaceRegistry) Snapshot() []string {
	r.mu.Lock()
	out := make([]string, 0, len(r.held))
	for ns := range r.held {
		out = append(out, ns)
	}
	r.mu.Unlock()
	sort.Strings(out)
	return out
}
