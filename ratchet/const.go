package ratchet

// Domain-separation constants for every HKDF/AEAD step this package
// performs. These are frozen: changing any of them invalidates every
// session already persisted through store.SaveRatchetSession.
const (
	constX3DHV1 = "noctua-x3dh-v1"
	constRootV1 = "noctua-root-v1"
	constChainV1 = "noctua-chain-v1"
	constMsgV1  = "noctua-msg-v1"
)

// MaxSkipped bounds the per-chain skipped-message-key cache. A peer that
// claims to have skipped more than this many messages in one chain is
// refused rather than allowed to force unbounded memory growth.
const MaxSkipped = 1000

// DOSCeiling bounds the skipped-key cache across every chain a session
// has ever ratcheted through, on top of MaxSkipped's per-chain bound;
// the spec explicitly allows DOSCeiling == MaxSkipped.
const DOSCeiling = MaxSkipped

const keySize = 32
