package domain

// Status represents the lifecycle state of a user bonus
type Status string

const (
	StatusPending         Status = "pending"
	StatusActive          Status = "active"
	StatusInProgress      Status = "in_progress"
	StatusRequirementsMet Status = "requirements_met"
	StatusConverted       Status = "converted"
	StatusForfeited       Status = "forfeited"
	StatusCancelled       Status = "cancelled"
	StatusExpired         Status = "expired"
)

// transitions lists the legal target states for every non-terminal state
var transitions = map[Status][]Status{
	StatusPending:         {StatusActive, StatusRequirementsMet, StatusCancelled, StatusExpired},
	StatusActive:          {StatusInProgress, StatusRequirementsMet, StatusForfeited, StatusCancelled, StatusExpired},
	StatusInProgress:      {StatusInProgress, StatusRequirementsMet, StatusForfeited, StatusExpired},
	StatusRequirementsMet: {StatusConverted, StatusForfeited, StatusExpired},
}

// IsTerminal returns true once no further transition is possible
func (s Status) IsTerminal() bool {
	_, ok := transitions[s]
	return !ok
}

// CanTransitionTo reports whether s -> next is a legal move
func (s Status) CanTransitionTo(next Status) bool {
	for _, to := range transitions[s] {
		if to == next {
			return true
		}
	}
	return false
}

// LiveStatuses are the statuses of a bonus that still holds value
func LiveStatuses() []Status {
	return []Status{StatusPending, StatusActive, StatusInProgress, StatusRequirementsMet}
}

// In reports whether s is one of the given statuses
func (s Status) In(statuses ...Status) bool {
	for _, st := range statuses {
		if s == st {
			return true
		}
	}
	return false
}
