package logic

// Counter tracks a raw cumulative scanner count and the offset that turns it
// into the pieces produced within the current shift window.
type Counter struct {
	Count int
	Zero  int
}

// Total returns the pieces produced in the window.
func (c Counter) Total() int {
	return c.Count - c.Zero
}

// Advance compares a raw reading with the counter and returns the number of
// new pieces plus the counter to add them to.
//
// A reading equal to Count yields no pieces. A reading below Count means the
// device reset its counter: it counts as exactly one piece and the offset is
// moved so Total stays where it was. The caller adds the returned amount to
// Count once the pieces are recorded.
func (c Counter) Advance(raw int) (int, Counter) {
	amount := raw - c.Count
	if amount >= 0 {
		return amount, c
	}
	return 1, Counter{
		Count: raw - 1,
		Zero:  raw - 1 - c.Total(),
	}
}
