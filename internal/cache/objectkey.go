package cache

import "fmt"

// ObjectKey names an object's fingerprint plus the byte range a caller is
// interested in. Grounded on xproxy-beta/cache/object_key.h.
type ObjectKey struct {
	fsNodeKey FSNodeKey
	rng       Range
}

// NewObjectKey derives the object key from an already-computed fingerprint
// and a requested range. The cache_key -> FSNodeKey derivation itself is
// NewObjectKeyFromCacheKey in cachekey.go.
func NewObjectKey(key FSNodeKey, rng Range) ObjectKey {
	return ObjectKey{fsNodeKey: key, rng: rng}
}

func (k ObjectKey) FSNodeKey() FSNodeKey { return k.fsNodeKey }
func (k ObjectKey) GetRange() Range      { return k.rng }

func (k ObjectKey) String() string {
	return fmt.Sprintf("{key:%s rng:%s}", k.fsNodeKey, k.rng)
}
