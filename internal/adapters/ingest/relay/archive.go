package relay

import (
	"bytes"
	"encoding/binary"
	"io"

	perr "atrelay/internal/platform/errors"
)

// DecodeBlocks parses a CAR-v1 byte archive into a map keyed by each block's
// raw binary CID, matching spec.md §4.4's "blocks: a content-addressed
// archive containing record bytes... keyed by cid". No CAR/CID parsing
// library appears anywhere in the example pack, so this is a deliberate
// minimal stdlib parser, justified in DESIGN.md
func DecodeBlocks(raw []byte) (map[string][]byte, error) {
	r := bytes.NewReader(raw)

	hdrLen, err := binary.ReadUvarint(r)
	if err != nil {
		if err == io.EOF {
			return map[string][]byte{}, nil
		}
		return nil, perr.Wrap(err, perr.ErrorCodeInvalidArgument, "relay: read car header length")
	}
	if _, err := r.Seek(int64(hdrLen), io.SeekCurrent); err != nil {
		return nil, perr.Wrap(err, perr.ErrorCodeInvalidArgument, "relay: skip car header")
	}

	out := make(map[string][]byte)
	for {
		sectionLen, err := binary.ReadUvarint(r)
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, perr.Wrap(err, perr.ErrorCodeInvalidArgument, "relay: read car section length")
		}
		section := make([]byte, sectionLen)
		if _, err := io.ReadFull(r, section); err != nil {
			return nil, perr.Wrap(err, perr.ErrorCodeInvalidArgument, "relay: read car section")
		}
		cidLen, err := cidByteLength(section)
		if err != nil {
			return nil, err
		}
		out[string(section[:cidLen])] = section[cidLen:]
	}
	return out, nil
}

// cidByteLength returns how many leading bytes of section are occupied by a
// binary CIDv1: a version varint, a codec varint, and a multihash (a
// hash-function varint, a digest-length varint, and the digest itself)
func cidByteLength(section []byte) (int, error) {
	r := bytes.NewReader(section)

	if _, err := binary.ReadUvarint(r); err != nil { // version
		return 0, perr.Wrap(err, perr.ErrorCodeInvalidArgument, "relay: read cid version")
	}
	if _, err := binary.ReadUvarint(r); err != nil { // codec
		return 0, perr.Wrap(err, perr.ErrorCodeInvalidArgument, "relay: read cid codec")
	}
	if _, err := binary.ReadUvarint(r); err != nil { // multihash function code
		return 0, perr.Wrap(err, perr.ErrorCodeInvalidArgument, "relay: read multihash code")
	}
	digestLen, err := binary.ReadUvarint(r)
	if err != nil {
		return 0, perr.Wrap(err, perr.ErrorCodeInvalidArgument, "relay: read multihash digest length")
	}

	consumed := len(section) - r.Len()
	return consumed + int(digestLen), nil
}

// linkKey strips the leading identity-multibase byte that a DAG-CBOR tag-42
// link carries ahead of the raw CID bytes, so it matches DecodeBlocks' keys
func linkKey(tagContent []byte) string {
	if len(tagContent) > 0 && tagContent[0] == 0x00 {
		return string(tagContent[1:])
	}
	return string(tagContent)
}
