package store

import (
	"time"

	"github.com/google/uuid"
)

// Person is a council member or guest known to the backend. Persons created
// at login carry the user name "<provider>-<subject>".
type Person struct {
	ID        uuid.UUID
	FullName  string
	UserName  string
	CreatedAt time.Time
}

// Leave is one stored leave-of-absence interval. Start and End are calendar
// dates at UTC midnight, both inclusive.
type Leave struct {
	ID       int64
	PersonID uuid.UUID
	Start    time.Time
	End      time.Time
}
