package cache

import "testing"

func TestNewObjectKeyFromCacheKeyWholeObject(t *testing.T) {
	ckey := CacheKey{URL: "http://example.com/a", ObjFullLen: 64 * 1024, LastModified: 1234}
	objKey, allowed := NewObjectKeyFromCacheKey(ckey, 0)
	if !allowed {
		t.Fatal("whole-object key should be allowed")
	}
	if objKey.GetRange().Beg() != 0 || objKey.GetRange().End() != ckey.ObjFullLen {
		t.Fatalf("got range %s, want [0-%d)", objKey.GetRange(), ckey.ObjFullLen)
	}
	if objKey.FSNodeKey() != MakeFSNodeKey([]byte(ckey.URL)) {
		t.Fatal("fingerprint should be derived from the URL")
	}
}

func TestNewObjectKeyFromCacheKeySkipPastRangeRejected(t *testing.T) {
	ckey := CacheKey{URL: "http://example.com/a", ObjFullLen: 32 * 1024, LastModified: 1}
	if _, ok := NewObjectKeyFromCacheKey(ckey, ckey.ObjFullLen+1); ok {
		t.Fatal("skipping past the end of the object should be rejected")
	}
}

func TestRwOpAllowedRejectsNonCacheableResponse(t *testing.T) {
	ckey := CacheKey{URL: "http://example.com/a", ObjFullLen: 32 * 1024, RespCacheControl: CCPrivate}
	if rwOpAllowed(ckey, 0) {
		t.Fatal("a private response with no Last-Modified must not be cacheable")
	}
	ckey.LastModified = 99
	if !rwOpAllowed(ckey, 0) {
		t.Fatal("a response with Last-Modified set should be cacheable regardless of cache-control")
	}
}

func TestWithRangeNarrowsObjectKey(t *testing.T) {
	ckey := CacheKey{URL: "http://example.com/a", ObjFullLen: 1024 * 1024, LastModified: 1}.WithRange(256*1024, 512*1024)
	objKey, allowed := NewObjectKeyFromCacheKey(ckey, 64*1024)
	if !allowed {
		t.Fatal("skip within the requested range should be allowed")
	}
	if objKey.GetRange().Beg() != 320*1024 || objKey.GetRange().End() != 512*1024 {
		t.Fatalf("got range %s, want [%d-%d)", objKey.GetRange(), 320*1024, 512*1024)
	}
}
