package relay

import (
	"bytes"
	"strings"

	"github.com/fxamacker/cbor/v2"

	perr "atrelay/internal/platform/errors"
)

// Header is the first of two concatenated top-level CBOR values every frame
// carries (spec.md §4.4 "frame decoding")
type Header struct {
	Op   int64  `cbor:"op"`
	Type string `cbor:"t"`
}

type commitWire struct {
	Seq    int64    `cbor:"seq"`
	Repo   string   `cbor:"repo"`
	Rev    string   `cbor:"rev"`
	Since  *string  `cbor:"since"`
	Blocks []byte   `cbor:"blocks"`
	Ops    []opWire `cbor:"ops"`
	Time   string   `cbor:"time"`
}

// opWire's Cid is a CBOR tag 42 (IPLD CID-link) value. fxamacker/cbor decodes
// an unregistered tag into cbor.Tag{Number, Content} rather than erroring,
// which is exactly what we need since no CID library exists in the pack
type opWire struct {
	Action string    `cbor:"action"`
	Path   string    `cbor:"path"`
	Cid    *cbor.Tag `cbor:"cid"`
}

type identityWire struct {
	Seq    int64   `cbor:"seq"`
	Did    string  `cbor:"did"`
	Handle *string `cbor:"handle"`
	Time   string  `cbor:"time"`
}

type accountWire struct {
	Seq    int64   `cbor:"seq"`
	Did    string  `cbor:"did"`
	Active bool    `cbor:"active"`
	Status *string `cbor:"status"`
	Time   string  `cbor:"time"`
}

// DecodeFrame splits a raw websocket binary message into its header and,
// for a recognized header type, the logical event it carries. An error here
// means the whole frame is unusable; the caller skips it and moves on
// (§4.4, §7's decode-failure policy)
func DecodeFrame(data []byte) (Event, error) {
	dec := cbor.NewDecoder(bytes.NewReader(data))

	var hdr Header
	if err := dec.Decode(&hdr); err != nil {
		return nil, perr.Wrap(err, perr.ErrorCodeInvalidArgument, "relay: decode frame header")
	}

	switch hdr.Type {
	case "#commit":
		var body commitWire
		if err := dec.Decode(&body); err != nil {
			return nil, perr.Wrap(err, perr.ErrorCodeInvalidArgument, "relay: decode commit body")
		}
		return decodeCommit(body)

	case "#identity":
		var body identityWire
		if err := dec.Decode(&body); err != nil {
			return nil, perr.Wrap(err, perr.ErrorCodeInvalidArgument, "relay: decode identity body")
		}
		return IdentityEvent{Seq: body.Seq, SubjectID: body.Did, Handle: body.Handle}, nil

	case "#account":
		var body accountWire
		if err := dec.Decode(&body); err != nil {
			return nil, perr.Wrap(err, perr.ErrorCodeInvalidArgument, "relay: decode account body")
		}
		return AccountEvent{Seq: body.Seq, SubjectID: body.Did, Active: body.Active}, nil

	default:
		// #info and other non-commit frame types are intentionally ignored
		return nil, perr.Newf(perr.ErrorCodeInvalidArgument, "relay: unhandled frame type %q", hdr.Type)
	}
}

func decodeCommit(body commitWire) (CommitEvent, error) {
	blocks, err := DecodeBlocks(body.Blocks)
	if err != nil {
		return CommitEvent{}, err
	}

	ev := CommitEvent{Seq: body.Seq, Repo: body.Repo, Ops: make([]CommitOp, 0, len(body.Ops))}
	for _, o := range body.Ops {
		collection, rkey, _ := strings.Cut(o.Path, "/")
		op := CommitOp{
			Action:     o.Action,
			Collection: collection,
			Rkey:       rkey,
			URI:        "at://" + body.Repo + "/" + o.Path,
		}

		if o.Action == "create" || o.Action == "update" {
			content, _ := asLinkBytes(o.Cid)
			if content == nil {
				ev.Ops = append(ev.Ops, op) // cid missing or malformed: leave Record nil, let router mark incomplete
				continue
			}
			blockBytes, ok := blocks[linkKey(content)]
			if !ok {
				ev.Ops = append(ev.Ops, op) // referenced block absent from the archive: same treatment
				continue
			}
			var rec map[string]any
			if cbor.Unmarshal(blockBytes, &rec) == nil {
				if t, _ := rec["$type"].(string); t != "" {
					op.TypeTag = t
				}
			}
			op.Record = blockBytes
		}
		ev.Ops = append(ev.Ops, op)
	}
	return ev, nil
}

func asLinkBytes(tag *cbor.Tag) ([]byte, bool) {
	if tag == nil {
		return nil, false
	}
	b, ok := tag.Content.([]byte)
	return b, ok
}
