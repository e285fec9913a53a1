package sales

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyCart rejects carts with no lines before any storage I/O.
	ErrEmptyCart = errors.New("sale cart is empty")
	// ErrInvalidQuantity rejects non-positive quantities or lot ids before any storage I/O.
	ErrInvalidQuantity = errors.New("each cart line needs a valid lot and a positive quantity")
	// ErrLotNotFound signals a cart line referencing a lot that does not exist.
	ErrLotNotFound = errors.New("lot not found")
)

// RejectionError reports a business-rule rejection for one cart line. Any
// single rejection aborts the whole sale; no partial state survives rollback.
type RejectionError struct {
	LotID  int64
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("lot %d rejected: %s", e.LotID, e.Reason)
}
