package prescription

// Status is the prescription-level (overall) status.
type Status string

const (
	StatusPending          Status = "pending"
	StatusPartiallyFilled  Status = "partially_filled"
	StatusFilled           Status = "filled"
	StatusNeedsReview      Status = "needs_review"
	StatusReadyForDelivery Status = "ready_for_delivery"
	StatusDelivered        Status = "delivered"
	StatusCancelled        Status = "cancelled"
	StatusExpired          Status = "expired"
)

// transitions lists every legal lifecycle edge. Pending, PartiallyFilled,
// Filled and NeedsReview are reached through fulfillment commits; the rest
// through explicit actions or delivery events.
var transitions = map[Status][]Status{
	StatusPending:          {StatusPartiallyFilled, StatusFilled, StatusNeedsReview, StatusCancelled, StatusExpired},
	StatusPartiallyFilled:  {StatusPartiallyFilled, StatusFilled, StatusNeedsReview, StatusReadyForDelivery, StatusCancelled, StatusExpired},
	StatusNeedsReview:      {StatusPartiallyFilled, StatusFilled, StatusNeedsReview, StatusCancelled, StatusExpired},
	StatusFilled:           {StatusReadyForDelivery, StatusCancelled},
	StatusReadyForDelivery: {StatusDelivered, StatusCancelled},
}

// CanTransition reports whether the lifecycle allows moving from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled || s == StatusExpired
}

// Fillable reports whether a fulfillment round may be committed in s.
func (s Status) Fillable() bool {
	return s == StatusPending || s == StatusPartiallyFilled || s == StatusNeedsReview
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusPartiallyFilled, StatusFilled, StatusNeedsReview,
		StatusReadyForDelivery, StatusDelivered, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// SourceKind records how a line item was sourced.
type SourceKind string

const (
	SourceUnresolved       SourceKind = "unresolved"
	SourceInventoryMatched SourceKind = "inventory_matched"
	SourceManual           SourceKind = "manual"
	SourceUnavailable      SourceKind = "unavailable"
)

// Valid reports whether k is a known source kind.
func (k SourceKind) Valid() bool {
	switch k {
	case SourceUnresolved, SourceInventoryMatched, SourceManual, SourceUnavailable:
		return true
	}
	return false
}

// LineStatus is the per-line fulfillment status. It is always derived, never set.
type LineStatus string

const (
	LinePending         LineStatus = "pending"
	LineFilled          LineStatus = "filled"
	LinePartiallyFilled LineStatus = "partially_filled"
	LineOutOfStock      LineStatus = "out_of_stock"
)

// DeriveLineStatus computes a line's status from its source and quantities.
func DeriveLineStatus(kind SourceKind, dispensed, prescribed int) LineStatus {
	switch kind {
	case SourceUnavailable:
		return LineOutOfStock
	case SourceInventoryMatched, SourceManual:
		switch {
		case dispensed <= 0:
			return LineOutOfStock
		case dispensed < prescribed:
			return LinePartiallyFilled
		default:
			return LineFilled
		}
	default:
		return LinePending
	}
}
