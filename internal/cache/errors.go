package cache

// ErrKind enumerates the error kinds this package surfaces to its caller,
// the HTTP-facing layer in cachemgr. Grounded on spec.md §6's
// "Error kinds" list; there was no cache_error.h/.cpp in the retrieved
// original source to ground the exact wire values against, so these are
// assigned in spec order.
type ErrKind int

const (
	ErrSuccess ErrKind = iota
	ErrEOF
	ErrObjectNotPresent
	ErrObjectPresent
	ErrObjectInUse
	ErrNewObjectTooSmall
	ErrUnexpectedData
	ErrCorruptedObjectMeta
	ErrCorruptedObjectData
	ErrDiskError
	ErrOperationAborted
	ErrInvalidHandle
	ErrServiceStopped
	ErrInternalLogicError
)

func (k ErrKind) String() string {
	switch k {
	case ErrSuccess:
		return "success"
	case ErrEOF:
		return "eof"
	case ErrObjectNotPresent:
		return "object_not_present"
	case ErrObjectPresent:
		return "object_present"
	case ErrObjectInUse:
		return "object_in_use"
	case ErrNewObjectTooSmall:
		return "new_object_too_small"
	case ErrUnexpectedData:
		return "unexpected_data"
	case ErrCorruptedObjectMeta:
		return "corrupted_object_meta"
	case ErrCorruptedObjectData:
		return "corrupted_object_data"
	case ErrDiskError:
		return "disk_error"
	case ErrOperationAborted:
		return "operation_aborted"
	case ErrInvalidHandle:
		return "invalid_handle"
	case ErrServiceStopped:
		return "service_stopped"
	case ErrInternalLogicError:
		return "internal_logic_error"
	default:
		return "unknown"
	}
}

// Error lets an ErrKind satisfy the error interface, the way callers
// throughout this package want to hand kinds to handler callbacks.
type Error struct {
	Kind ErrKind
}

func (e *Error) Error() string { return e.Kind.String() }

func NewError(k ErrKind) *Error { return &Error{Kind: k} }

// KindOf extracts the ErrKind from err, defaulting to internal_logic_error
// for an error this package didn't produce itself.
func KindOf(err error) ErrKind {
	if err == nil {
		return ErrSuccess
	}
	if e, ok := err.(*Error); ok {
		return e.Kind
	}
	return ErrInternalLogicError
}

var (
	errEOF                 = NewError(ErrEOF)
	errObjectNotPresent    = NewError(ErrObjectNotPresent)
	errObjectPresent       = NewError(ErrObjectPresent)
	errObjectInUse         = NewError(ErrObjectInUse)
	errNewObjectTooSmall   = NewError(ErrNewObjectTooSmall)
	errUnexpectedData      = NewError(ErrUnexpectedData)
	errCorruptedObjectMeta = NewError(ErrCorruptedObjectMeta)
	errCorruptedObjectData = NewError(ErrCorruptedObjectData)
	errDiskError           = NewError(ErrDiskError)
	errOperationAborted    = NewError(ErrOperationAborted)
	errInvalidHandle       = NewError(ErrInvalidHandle)
	errServiceStopped      = NewError(ErrServiceStopped)
	errInternalLogicError  = NewError(ErrInternalLogicError)
)
