package cache

// WriteTransaction is a reservation against one object's byte range, held
// for the lifetime of a single write: nothing else may reserve an
// overlapping range on the same key until this transaction is released back
// to its owning WriteTransactions. Grounded on
// xproxy-beta/cache/write_transaction.h/.cpp.
//
// The original tracks "has this transaction been moved from" with a
// written_==invalid_value sentinel, a trick needed because C++ leaves a
// moved-from object alive but unspecified. Go has no move semantics to
// paper over, so Valid distinguishes a constructed transaction from the
// WriteTransaction{} zero value returned by WriteTransactions.AddEntry on
// a failed reservation, which is the only case the original's sentinel
// actually needs to cover here.
type WriteTransaction struct {
	key     FSNodeKey
	rng     Range
	written uint32
	valid   bool
}

// NewWriteTransaction returns a fresh, valid transaction with no bytes
// accounted for yet.
func NewWriteTransaction(key FSNodeKey, rng Range) WriteTransaction {
	return WriteTransaction{key: key, rng: rng, valid: true}
}

func (t WriteTransaction) Valid() bool          { return t.valid }
func (t WriteTransaction) FSNodeKey() FSNodeKey { return t.key }
func (t WriteTransaction) GetRange() Range      { return t.rng }
func (t WriteTransaction) Written() uint32      { return t.written }

func (t WriteTransaction) CurrOffset() uint64 {
	return t.rng.Beg() + uint64(t.written)
}

func (t WriteTransaction) RemainingBytes() uint64 {
	return t.rng.Len() - uint64(t.written)
}

// AddWritten records size additional written bytes.
func (t *WriteTransaction) AddWritten(size uint32) {
	t.written += size
}

// Finished reports whether every byte of the reserved range has now been
// accounted for.
func (t WriteTransaction) Finished() bool {
	return uint64(t.written) == t.rng.Len()
}
