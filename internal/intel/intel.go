// Package intel loads exploit-intelligence feeds (the CISA KEV catalog and
// FIRST EPSS scores) into an immutable, versioned Snapshot.
package intel

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/lucasnoah/argus/internal/idempotency"
)

// Snapshot is one consistent view of the threat feeds. Version is derived
// from the content, so reloading unchanged feeds yields the same version.
type Snapshot struct {
	Version string
	Source  string
	kev     map[string]bool
	epss    map[string]float64
}

// NewSnapshot builds a snapshot from a KEV set and an EPSS score table. CVE
// ids are upper-cased.
func NewSnapshot(source string, kev map[string]bool, epss map[string]float64) (*Snapshot, error) {
	s := &Snapshot{
		Source: source,
		kev:    make(map[string]bool, len(kev)),
		epss:   make(map[string]float64, len(epss)),
	}
	var kevIDs []string
	for id, ok := range kev {
		if ok {
			id = strings.ToUpper(id)
			s.kev[id] = true
			kevIDs = append(kevIDs, id)
		}
	}
	sort.Strings(kevIDs)
	for id, score := range epss {
		s.epss[strings.ToUpper(id)] = score
	}

	hash, err := idempotency.ContentHash(map[string]any{"kev": kevIDs, "epss": s.epss})
	if err != nil {
		return nil, fmt.Errorf("hash intel: %w", err)
	}
	s.Version = "intel-" + hash[:16]
	return s, nil
}

// Lookup returns the KEV flag and, when the feed has one, the EPSS score of cve.
func (s *Snapshot) Lookup(cve string) (kev bool, epss *float64) {
	id := strings.ToUpper(cve)
	if score, ok := s.epss[id]; ok {
		epss = &score
	}
	return s.kev[id], epss
}

// Counts reports how many CVEs each feed covers.
func (s *Snapshot) Counts() (kev, epss int) {
	return len(s.kev), len(s.epss)
}

// Source provides the current snapshot.
type Source interface {
	Snapshot(ctx context.Context) (*Snapshot, error)
}

// Static always returns the same snapshot.
type Static struct {
	Snap *Snapshot
}

func (s Static) Snapshot(context.Context) (*Snapshot, error) {
	return s.Snap, nil
}
