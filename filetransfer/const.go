package filetransfer

// constFileV1 is the domain-separation string folded into every
// transfer key derivation. Frozen: changing it invalidates resume for
// any transfer already in flight.
const constFileV1 = "noctua-file-v1"

// ChunkSize is the plaintext size of every chunk but the last.
const ChunkSize = 16 * 1024

// SaveEvery is how many chunks elapse between durable TransferState
// checkpoints, besides every state transition.
const SaveEvery = 32
