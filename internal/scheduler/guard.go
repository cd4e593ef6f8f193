package scheduler

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
)

// Fingerprint returns the content-addressed hash used for duplicate
// detection. Leading/trailing whitespace is not significant; interior
// whitespace is.
func Fingerprint(content string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(content)))
	return hex.EncodeToString(sum[:])
}

// DedupeGuard is a process-lifetime set of fingerprints that have been
// dispatched (or simulated). It is not persisted: a restart clears it.
type DedupeGuard struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewDedupeGuard() *DedupeGuard {
	return &DedupeGuard{seen: make(map[string]struct{})}
}

func (g *DedupeGuard) Seen(fp string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.seen[fp]
	return ok
}

func (g *DedupeGuard) MarkSeen(fp string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seen[fp] = struct{}{}
}
