package models

import "time"

// VersionKind selects which point within a block's state is requested.
// Only VersionKindLast (end-of-block) is implemented; any other kind must
// be rejected with storeerr.Unsupported.
type VersionKind string

const (
	VersionKindLast  VersionKind = "last"
	VersionKindFirst VersionKind = "first"
)

// BlockIdentifierKind discriminates the BlockIdentifier union.
type BlockIdentifierKind int

const (
	BlockIdentifierHash BlockIdentifierKind = iota
	BlockIdentifierNumber
	BlockIdentifierLatest
	BlockIdentifierTimestamp
)

// BlockIdentifier resolves to a single block or a bare timestamp. Exactly
// the fields relevant to Kind are populated.
type BlockIdentifier struct {
	Kind    BlockIdentifierKind
	Hash    []byte
	ChainID int64 // used by Hash, Number and Latest
	Number  int64
	Ts      time.Time
}

// BlockByHash resolves a block by hash. ChainID is required even though
// block hashes are stored UNIQUE only within (chain_id, hash): nothing
// in the schema prevents two chains from sharing a hash value, so every
// hash lookup carries an explicit chain_id predicate rather than
// assuming global uniqueness.
func BlockByHash(chainID int64, hash []byte) BlockIdentifier {
	return BlockIdentifier{Kind: BlockIdentifierHash, ChainID: chainID, Hash: hash}
}

func BlockByNumber(chainID int64, number int64) BlockIdentifier {
	return BlockIdentifier{Kind: BlockIdentifierNumber, ChainID: chainID, Number: number}
}

func LatestBlock(chainID int64) BlockIdentifier {
	return BlockIdentifier{Kind: BlockIdentifierLatest, ChainID: chainID}
}

func AtTimestamp(ts time.Time) BlockIdentifier {
	return BlockIdentifier{Kind: BlockIdentifierTimestamp, Ts: ts}
}

// Version couples a block/timestamp reference with a VersionKind. A nil
// *Version passed to a gateway method means "now".
type Version struct {
	At   BlockIdentifier
	Kind VersionKind
}

func VersionLast(at BlockIdentifier) *Version {
	return &Version{At: at, Kind: VersionKindLast}
}
