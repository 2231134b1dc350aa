package cache

import "fmt"

// RespCacheControl mirrors the small enum the HTTP layer attaches to a
// cache_key so rw_op_allowed can decide whether an object without a
// Last-Modified header is still cacheable. Grounded on
// xproxy-beta/cache/cache_key.h's resp_cache_control.
type RespCacheControl int

const (
	CCNotPresent RespCacheControl = iota
	CCPublic
	CCPrivate
	CCNoCache
	CCNoStore
)

// CacheKey is the minimal external record the HTTP-facing layer hands to
// cachemgr: just enough of xproxy-beta/cache/cache_key.h's fields for this
// package's own logic (fingerprinting, the optional byte-range restriction,
// and the rw_op_allowed precondition) to work. Everything else that record
// carries in the original (ETag, content-md5, digests) is opaque metadata
// this package never inspects, so it isn't reproduced here; add fields as
// callers need them.
type CacheKey struct {
	URL              string
	ObjFullLen       uint64
	LastModified      int64
	RespCacheControl RespCacheControl

	hasRange  bool
	rngBeg    uint64
	rngEnd    uint64
}

// WithRange restricts the key to the half-open byte range [beg, end),
// mirroring cache_key::rng_ once it carries a valid sub-range (e.g. an
// HTTP Range: request). A key with no WithRange call refers to the whole
// object, [0, ObjFullLen).
func (k CacheKey) WithRange(beg, end uint64) CacheKey {
	k.hasRange = true
	k.rngBeg = beg
	k.rngEnd = end
	return k
}

func (k CacheKey) String() string {
	if k.hasRange {
		return fmt.Sprintf("{url: %s, obj_len: %d, rng: [%d-%d]}", k.URL, k.ObjFullLen, k.rngBeg, k.rngEnd)
	}
	return fmt.Sprintf("{url: %s, obj_len: %d}", k.URL, k.ObjFullLen)
}

// fsNodeKey derives the content-addressing fingerprint from the key's
// canonical form. The original hashes the full cache_key; the retrieved
// source only shows the URL feeding the fs_node_key derivation elsewhere
// (cache_mgr's own sharding hash), so that's what's fingerprinted here too.
func (k CacheKey) fsNodeKey() FSNodeKey {
	return MakeFSNodeKey([]byte(k.URL))
}

// rwOpAllowed ports cache_key.cpp's rw_op_allowed: an object with no
// Last-Modified header and a non-public, present Cache-Control can't be
// read or written through the cache at all; otherwise skip must not run
// past whatever range (explicit or whole-object) the key describes.
func rwOpAllowed(k CacheKey, skip uint64) bool {
	if k.LastModified == 0 &&
		k.RespCacheControl != CCNotPresent &&
		k.RespCacheControl != CCPublic {
		return false
	}
	if k.hasRange {
		length := k.rngEnd - k.rngBeg
		return skip <= length
	}
	return skip <= k.ObjFullLen
}

// NewObjectKeyFromCacheKey builds the internal ObjectKey a CacheFS actually
// operates on, mirroring detail::object_key(ckey, skip_bytes): the
// fingerprint comes from the key's canonical form, the range is the key's
// own range (or the whole object) advanced by skip bytes. ok is false if
// rwOpAllowed rejects the request before any Range is even constructed.
func NewObjectKeyFromCacheKey(ckey CacheKey, skipBytes uint64) (ObjectKey, bool) {
	if !rwOpAllowed(ckey, skipBytes) {
		return ObjectKey{}, false
	}
	var beg, end uint64
	if ckey.hasRange {
		beg, end = ckey.rngBeg+skipBytes, ckey.rngEnd
	} else {
		beg, end = skipBytes, ckey.ObjFullLen
	}
	return NewObjectKey(ckey.fsNodeKey(), NewRange(beg, end-beg)), true
}
