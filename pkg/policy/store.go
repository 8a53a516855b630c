package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// InvalidProductIDError reports a product_id that cannot be safely resolved
// to a path inside the policy directory.
type InvalidProductIDError struct {
	ProductID string
	Reason    string
}

func (e *InvalidProductIDError) Error() string {
	return fmt.Sprintf("invalid product id %q: %s", e.ProductID, e.Reason)
}

type cacheEntry struct {
	policy Policy
	found  bool // false is the negative "not found" marker
}

// Store is a process-wide, memoizing loader for per-product policy
// documents. It owns its directory exclusively; callers never touch the
// filesystem directly.
type Store struct {
	dir string

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// NewStore returns a Store rooted at dir. The directory is not required to
// exist yet; lookups against a missing directory simply miss.
func NewStore(dir string) *Store {
	return &Store{dir: dir, cache: make(map[string]cacheEntry)}
}

// resolvePath validates product_id and returns the canonical document path,
// rejecting anything that could escape the policy directory.
func (s *Store) resolvePath(productID string) (string, error) {
	if productID == "" {
		return "", &InvalidProductIDError{ProductID: productID, Reason: "must be non-empty"}
	}
	if strings.Contains(productID, "..") || strings.ContainsAny(productID, "/\\") {
		return "", &InvalidProductIDError{ProductID: productID, Reason: "must not contain path separators or '..'"}
	}
	base, err := filepath.Abs(s.dir)
	if err != nil {
		return "", &InvalidProductIDError{ProductID: productID, Reason: err.Error()}
	}
	candidate := filepath.Join(base, productID+".json")
	rel, err := filepath.Rel(base, candidate)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", &InvalidProductIDError{ProductID: productID, Reason: "resolves outside the policy directory"}
	}
	return candidate, nil
}

// Get returns the policy for productID, or (Policy{}, false, nil) when no
// matching document exists. Positive and negative results are memoized;
// parse errors and I/O errors are never cached so a transient failure can
// be retried on the next call.
func (s *Store) Get(productID string) (Policy, bool, error) {
	s.mu.RLock()
	entry, ok := s.cache[productID]
	s.mu.RUnlock()
	if ok {
		return entry.policy, entry.found, nil
	}

	path, err := s.resolvePath(productID)
	if err != nil {
		return Policy{}, false, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			s.mu.Lock()
			s.cache[productID] = cacheEntry{found: false}
			s.mu.Unlock()
			return Policy{}, false, nil
		}
		return Policy{}, false, err
	}

	p, err := ParseDocument(raw, productID)
	if err != nil {
		return Policy{}, false, err
	}

	s.mu.Lock()
	s.cache[productID] = cacheEntry{policy: p, found: true}
	s.mu.Unlock()
	return p, true, nil
}
