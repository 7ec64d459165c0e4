package domain

import "context"

// DirectoryPort fetches a raw identity document from wherever a subject-id's
// method anchors it: a directory service for centrally-registered ids, or the
// domain's own well-known endpoint for domain-anchored ids (§4.1)
type DirectoryPort interface {
	FetchDocument(ctx context.Context, subjectID string) (Document, error)
}

// HandlePort resolves a handle to the subject-id that claims it, trying DNS
// first and falling back to HTTPS well-known (§4.1, §6)
type HandlePort interface {
	ResolveHandle(ctx context.Context, handle string) (subjectID string, err error)
}

// Resolver is the full C1 surface consumed by the router (C5) and the
// remote-fetcher (C2)
type Resolver interface {
	// ResolveToDocument returns the cached or freshly fetched identity document
	ResolveToDocument(ctx context.Context, subjectID string) (Document, bool)
	// ResolveToEndpoint extracts the subject's personal-data-server URL
	ResolveToEndpoint(ctx context.Context, subjectID string) (string, bool)
	// ResolveToHandle returns the subject's primary handle, if any
	ResolveToHandle(ctx context.Context, subjectID string) (string, bool)
	// ResolveHandleToSubject resolves a handle to its claiming subject-id
	ResolveHandleToSubject(ctx context.Context, handle string) (string, bool)
	// Stats returns a snapshot of resolution counters (§3 supplement)
	Stats() Stats
	// VerifyCommitSignature is an unused extension point (Open Question #3):
	// signature verification is disabled; this always returns nil so wiring
	// it in later does not require re-plumbing the router
	VerifyCommitSignature(ctx context.Context, subjectID string, commit []byte, sig []byte) error
}
