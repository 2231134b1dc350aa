package cache

// ReadTransaction tracks how many bytes of an object range have been
// delivered to a caller across one open_handle's lifetime, used by
// object_read_handle to decide when a read is exhausted. Grounded on
// xproxy-beta/cache/read_transaction.h/.cpp.
type ReadTransaction struct {
	key       ObjectKey
	readBytes uint64
	valid     bool
}

// NewReadTransaction returns a fresh, valid transaction with no bytes
// delivered yet.
func NewReadTransaction(key ObjectKey) ReadTransaction {
	return ReadTransaction{key: key, valid: true}
}

func (t ReadTransaction) Valid() bool          { return t.valid }
func (t ReadTransaction) ObjectKey() ObjectKey { return t.key }
func (t ReadTransaction) FSNodeKey() FSNodeKey { return t.key.FSNodeKey() }
func (t ReadTransaction) GetRange() Range      { return t.key.GetRange() }
func (t ReadTransaction) ReadBytes() uint64    { return t.readBytes }

func (t ReadTransaction) CurrOffset() uint64 {
	return t.key.GetRange().Beg() + t.readBytes
}

func (t ReadTransaction) EndOffset() uint64 { return t.key.GetRange().End() }

func (t ReadTransaction) RemainingBytes() uint64 {
	return t.key.GetRange().Len() - t.readBytes
}

func (t ReadTransaction) Finished() bool {
	return t.readBytes == t.key.GetRange().Len()
}

func (t *ReadTransaction) AddRead(size uint64) {
	t.readBytes += size
}

func (t *ReadTransaction) Invalidate() { t.valid = false }
