package domain

import "time"

// State is a step in the per-trigger processing state machine.
type State string

const (
	StateReceived       State = "RECEIVED"
	StateValidated      State = "VALIDATED"
	StateFetched        State = "FETCHED"
	StatePublished      State = "PUBLISHED"
	StateRejected       State = "REJECTED"
	StateRetryExhausted State = "RETRY_EXHAUSTED"
)

// Terminal reports whether no further action is taken for a trigger in this state.
func (s State) Terminal() bool {
	return s == StatePublished || s == StateRejected || s == StateRetryExhausted
}

// Outcome describes how one delivery of a trigger ended.
type Outcome struct {
	ID            int64         `db:"id"`
	MessageID     string        `db:"message_id"`
	Topic         string        `db:"topic"`
	Partition     int32         `db:"partition"`
	Offset        int64         `db:"message_offset"`
	State         State         `db:"state"`
	ErrorKind     string        `db:"error_kind"`
	Error         string        `db:"error"`
	Attempts      int           `db:"attempts"`
	ItemCount     int           `db:"item_count"`
	Latitude      float64       `db:"latitude"`
	Longitude     float64       `db:"longitude"`
	Radius        int           `db:"radius"`
	FavoritesOnly bool          `db:"favorites_only"`
	CheckedAt     *time.Time    `db:"checked_at"`
	Elapsed       time.Duration `db:"-"`
	Committed     bool          `db:"committed"`
	RecordedAt    time.Time     `db:"recorded_at"`
}

// LocationState summarizes outcomes for one trigger location.
type LocationState struct {
	Key            string     `db:"location_key"`
	LastState      State      `db:"last_state"`
	LastCheckedAt  *time.Time `db:"last_checked_at"`
	LastItemCount  int        `db:"last_item_count"`
	TotalPublished int64      `db:"total_published"`
	TotalFailed    int64      `db:"total_failed"`
	UpdatedAt      time.Time  `db:"updated_at"`
}
