// Package relay decodes the AT Protocol firehose: CBOR-framed websocket
// messages carrying commit/identity/account events over
// com.atproto.sync.subscribeRepos (spec.md §4.4)
package relay

// Event is the common marker implemented by the three logical events the
// stream client emits downstream to C5
type Event interface{ isEvent() }

// CommitEvent bundles one subject's batch of create/update/delete ops along
// with the sequence number the cursor advances to
type CommitEvent struct {
	Seq  int64
	Repo string
	Ops  []CommitOp
}

func (CommitEvent) isEvent() {}

// CommitOp is one decoded operation within a commit. TypeTag and Record are
// empty/nil for delete ops and for ops whose block could not be resolved
// (§4.4 decode-failure policy: skip the op, not the whole commit)
type CommitOp struct {
	Action     string // create, update, delete
	Collection string
	Rkey       string
	URI        string
	TypeTag    string
	Record     []byte // raw DAG-CBOR bytes of the decoded record
}

// IdentityEvent signals a subject's handle changed (§4.4)
type IdentityEvent struct {
	Seq       int64
	SubjectID string
	Handle    *string
}

func (IdentityEvent) isEvent() {}

// AccountEvent signals a subject's account active/inactive status changed (§4.4)
type AccountEvent struct {
	Seq       int64
	SubjectID string
	Active    bool
}

func (AccountEvent) isEvent() {}
