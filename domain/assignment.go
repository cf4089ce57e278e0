package domain

import (
	"strings"
	"unicode/utf8"

	"cloud.google.com/go/civil"
)

// MaxTitleLength bounds the title of an assignment, in runes.
const MaxTitleLength = 255

// Assignment is a single piece of work owned by one user.
type Assignment struct {
	ID          string     `json:"id"`
	OwnerID     string     `json:"owner_id"`
	Title       string     `json:"title"`
	DueDate     civil.Date `json:"due_date"`
	IsCompleted bool       `json:"is_completed"`
}

// AssignmentCreate is the payload accepted when creating an assignment.
type AssignmentCreate struct {
	Title       string     `json:"title"`
	DueDate     civil.Date `json:"due_date"`
	IsCompleted bool       `json:"is_completed"`
}

// AssignmentUpdate carries a partial update. Nil fields are left untouched.
type AssignmentUpdate struct {
	Title       *string     `json:"title,omitempty"`
	DueDate     *civil.Date `json:"due_date,omitempty"`
	IsCompleted *bool       `json:"is_completed,omitempty"`
}

// AssignmentsPage is one page of an owner's assignments plus the total count
// of assignments visible to that owner.
type AssignmentsPage struct {
	Data  []Assignment `json:"data"`
	Count int          `json:"count"`
}

// Validate normalises the title and checks the create payload.
func (c *AssignmentCreate) Validate() error {
	c.Title = strings.TrimSpace(c.Title)
	if err := validateTitle(c.Title); err != nil {
		return err
	}
	if !c.DueDate.IsValid() {
		return &ValidationError{Field: "due_date", Reason: "must be a valid YYYY-MM-DD date"}
	}
	return nil
}

// Validate checks the fields present in the update.
func (u *AssignmentUpdate) Validate() error {
	if u.Title != nil {
		t := strings.TrimSpace(*u.Title)
		if err := validateTitle(t); err != nil {
			return err
		}
		u.Title = &t
	}
	if u.DueDate != nil && !u.DueDate.IsValid() {
		return &ValidationError{Field: "due_date", Reason: "must be a valid YYYY-MM-DD date"}
	}
	return nil
}

// Empty reports whether the update carries no changes.
func (u AssignmentUpdate) Empty() bool {
	return u.Title == nil && u.DueDate == nil && u.IsCompleted == nil
}

// Apply returns a copy of a with the update merged in.
func (u AssignmentUpdate) Apply(a Assignment) Assignment {
	if u.Title != nil {
		a.Title = *u.Title
	}
	if u.DueDate != nil {
		a.DueDate = *u.DueDate
	}
	if u.IsCompleted != nil {
		a.IsCompleted = *u.IsCompleted
	}
	return a
}

func validateTitle(title string) error {
	if title == "" {
		return &ValidationError{Field: "title", Reason: "must not be empty"}
	}
	if utf8.RuneCountInString(title) > MaxTitleLength {
		return &ValidationError{Field: "title", Reason: "is too long"}
	}
	return nil
}
