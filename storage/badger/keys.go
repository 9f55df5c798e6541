package badger

import (
	"encoding/binary"

	"github.com/go-crypt/x/blake2b"
	"github.com/google/uuid"
)

// Key prefixes for different data types
const (
	namespaceRegistryPrefix   = "nsr:"
	namespaceGenerationPrefix = "nsg:"
	namespacePendingPrefix    = "pnd:"
	chunkPrefix               = "chk:"
	jobPrefix                 = "job:"
	jobBlobPrefix             = "jbp:"
)

const namespaceHashSize = 16

// namespaceHash is the fixed-width partition key of a user.
type namespaceHash [namespaceHashSize]byte

// hashNamespace derives the partition key of userID.
// Fixed width keeps one user's prefix from being a prefix of another's.
func hashNamespace(userID string) namespaceHash {
	var out namespaceHash
	h, _ := blake2b.New(namespaceHashSize, nil)
	h.Write([]byte(userID))
	copy(out[:], h.Sum(nil))
	return out
}

func appendPrefixed(prefix string, size int) []byte {
	buf := make([]byte, 0, len(prefix)+size)
	return append(buf, prefix...)
}

// makeRegistryKey generates the key mapping a namespace hash back to its user id.
// Format: nsr:<hash>
func makeRegistryKey(ns namespaceHash) []byte {
	buf := appendPrefixed(namespaceRegistryPrefix, namespaceHashSize)
	return append(buf, ns[:]...)
}

// makeGenerationKey generates the key holding a namespace's current generation.
// Format: nsg:<hash>
func makeGenerationKey(ns namespaceHash) []byte {
	buf := appendPrefixed(namespaceGenerationPrefix, namespaceHashSize)
	return append(buf, ns[:]...)
}

// makePendingPrefix generates the prefix of every pending-file marker in a namespace.
// Format: pnd:<hash>
func makePendingPrefix(ns namespaceHash) []byte {
	buf := appendPrefixed(namespacePendingPrefix, namespaceHashSize)
	return append(buf, ns[:]...)
}

// makePendingKey generates the marker hiding a file's chunks while they are written.
// Format: pnd:<hash><fileID>
func makePendingKey(ns namespaceHash, fileID string) []byte {
	buf := makePendingPrefix(ns)
	return append(buf, fileID...)
}

// makeNamespacePrefix generates the prefix of every chunk key in a namespace, all generations.
// Format: chk:<hash>:
func makeNamespacePrefix(ns namespaceHash) []byte {
	buf := appendPrefixed(chunkPrefix, namespaceHashSize+1)
	buf = append(buf, ns[:]...)
	return append(buf, ':')
}

// makeGenerationPrefix generates the prefix of chunk keys in one generation of a namespace.
// Format: chk:<hash>:<gen>
// Generation is written in BigEndian order so lexicographic sort works correctly.
func makeGenerationPrefix(ns namespaceHash, gen uint64) []byte {
	buf := makeNamespacePrefix(ns)
	return binary.BigEndian.AppendUint64(buf, gen)
}

// makeChunkKey generates the key of a chunk.
// Format: chk:<hash>:<gen><uuid>
func makeChunkKey(ns namespaceHash, gen uint64, id uuid.UUID) []byte {
	buf := makeGenerationPrefix(ns, gen)
	return append(buf, id[:]...)
}

// chunkKeyGeneration extracts the generation from a chunk key in namespace ns.
func chunkKeyGeneration(key []byte, ns namespaceHash) (uint64, bool) {
	start := len(makeNamespacePrefix(ns))
	if len(key) < start+8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(key[start : start+8]), true
}

// makeJobKey generates the key of an ingestion job.
// Format: job:<fileID>
func makeJobKey(fileID string) []byte {
	buf := appendPrefixed(jobPrefix, len(fileID))
	return append(buf, fileID...)
}

// makeJobBlobsPrefix generates the prefix of every payload part of a job.
// Format: jbp:<len(fileID)><fileID>
// The length keeps one file's prefix from being a prefix of another's.
func makeJobBlobsPrefix(fileID string) []byte {
	buf := appendPrefixed(jobBlobPrefix, 2+len(fileID))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(fileID)))
	return append(buf, fileID...)
}

// makeJobBlobPrefix generates the prefix of the parts of one payload.
// Format: jbp:<len(fileID)><fileID><nonce>
func makeJobBlobPrefix(fileID string, nonce []byte) []byte {
	return append(makeJobBlobsPrefix(fileID), nonce...)
}

// makeJobBlobKey generates the key of one payload part.
// Format: jbp:<len(fileID)><fileID><nonce><part>
func makeJobBlobKey(fileID string, nonce []byte, part uint32) []byte {
	return binary.BigEndian.AppendUint32(makeJobBlobPrefix(fileID, nonce), part)
}
