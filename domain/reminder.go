package domain

import "cloud.google.com/go/civil"

// Reminder is the notice emitted for an incomplete assignment due the next day.
type Reminder struct {
	OwnerID      string     `json:"owner_id"`
	AssignmentID string     `json:"assignment_id"`
	Title        string     `json:"title"`
	DueDate      civil.Date `json:"due_date"`
}

// ReminderFor builds the notice for a.
func ReminderFor(a Assignment) Reminder {
	return Reminder{
		OwnerID:      a.OwnerID,
		AssignmentID: a.ID,
		Title:        a.Title,
		DueDate:      a.DueDate,
	}
}
