// Package domain holds the core types and ports for the identity resolver (C1)
package domain

// Document is a resolved identity document. Id MUST equal the requested
// subject-id; callers that obtain a mismatched document reject it (§4.1)
type Document struct {
	ID       string   // subject-id, e.g. did:plc:abc or did:web:example.com
	Handles  []string // also-known-as handles carried on the document
	Services []ServiceEntry
}

// ServiceEntry is one entry of a document's service list
type ServiceEntry struct {
	ID   string // e.g. "#atproto_pds"
	Type string // e.g. "AtprotoPersonalDataServer"
	URL  string
}

// Stats is the periodic batch-logged cache/resolution summary (§3 supplement,
// grounded on did_resolver.py's "every 5000 resolutions" hit-rate log)
type Stats struct {
	Resolutions  uint64
	CacheHits    uint64
	CacheMisses  uint64
	BreakerTrips uint64
}

// HitRate returns the fraction of resolutions served from cache, 0 when no
// resolutions have happened yet
func (s Stats) HitRate() float64 {
	if s.Resolutions == 0 {
		return 0
	}
	return float64(s.CacheHits) / float64(s.Resolutions)
}
