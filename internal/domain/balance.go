package domain

// Balance is a (user, instrument, available, frozen) row. Both
// partitions are non-negative integers at every observable instant
// (spec invariant 1). Created lazily on first deposit or reservation.
type Balance struct {
	UserID     string
	Instrument string
	Available  uint64
	Frozen     uint64
}
