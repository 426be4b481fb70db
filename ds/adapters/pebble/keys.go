package pebblestore

import (
	"encoding/binary"
)

// Keyspace helpers for Pebble keys.
//
// Layout (byte-wise, lexicographically sortable):
// - c/{collection}/s/{stream}/e/{sn_be8}
// - c/{collection}/s/{stream}/m
// - c/{collection}/d/{id}
// - c/{collection}/p/{source}
// - b/{name}

var (
	collPrefix = []byte("c/")
	streamSeg  = []byte("/s/")
	entrySeg   = []byte("/e/")
	metaSuffix = []byte("/m")
	docSeg     = []byte("/d/")
	provSeg    = []byte("/p/")
	blobPrefix = []byte("b/")
)

func appendBE8(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

// keyEntry builds the append log entry key with a big-endian sn for proper
// ordering.
func keyEntry(collection, stream string, sn uint64) []byte {
	k := make([]byte, 0, len(collection)+len(stream)+16)
	k = append(k, collPrefix...)
	k = append(k, collection...)
	k = append(k, streamSeg...)
	k = append(k, stream...)
	k = append(k, entrySeg...)
	k = appendBE8(k, sn)
	return k
}

// keyStreamMeta builds the stream metadata key holding the last sn.
func keyStreamMeta(collection, stream string) []byte {
	k := make([]byte, 0, len(collection)+len(stream)+8)
	k = append(k, collPrefix...)
	k = append(k, collection...)
	k = append(k, streamSeg...)
	k = append(k, stream...)
	k = append(k, metaSuffix...)
	return k
}

// keyDoc builds the materialized document key.
func keyDoc(collection, id string) []byte {
	k := make([]byte, 0, len(collection)+len(id)+8)
	k = append(k, collPrefix...)
	k = append(k, collection...)
	k = append(k, docSeg...)
	k = append(k, id...)
	return k
}

// keyProvenance builds the provenance watermark key for a source stream.
func keyProvenance(collection, source string) []byte {
	k := make([]byte, 0, len(collection)+len(source)+8)
	k = append(k, collPrefix...)
	k = append(k, collection...)
	k = append(k, provSeg...)
	k = append(k, source...)
	return k
}

// keyBlob builds the blob key.
func keyBlob(name string) []byte {
	k := make([]byte, 0, len(name)+4)
	k = append(k, blobPrefix...)
	k = append(k, name...)
	return k
}
