package domain

import "time"

// Alert is raised for failures an operator has to act on.
type Alert struct {
	Kind      ErrorKind
	Reason    string
	Trigger   TriggerMessage
	Err       error
	RaisedAt  time.Time
	MessageID string
}
