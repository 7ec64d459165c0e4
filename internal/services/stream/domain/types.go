// Package domain holds the stream client's core types
package domain

// Op mirrors one decoded commit operation handed to the router (C5)
type Op struct {
	Action     string // create, update, delete
	Collection string
	Rkey       string
	URI        string
	TypeTag    string
	Record     []byte
}

// CommitEvent is one firehose commit, ready for dispatch
type CommitEvent struct {
	Seq  int64
	Repo string
	Ops  []Op
}

// IdentityEvent signals a subject's handle changed
type IdentityEvent struct {
	Seq       int64
	SubjectID string
	Handle    *string
}

// AccountEvent signals a subject's account active/inactive status changed
type AccountEvent struct {
	Seq       int64
	SubjectID string
	Active    bool
}

// Stats reports the stream client's running health (ops surface, §1)
type Stats struct {
	Cursor        int64
	EventsTotal   uint64
	CommitsTotal  uint64
	Reconnects    uint64
	DecodeErrors  uint64
	Connected     bool
}
