// Package model holds the wire/domain types shared by the client and the dev backend.
package model

import "time"

// Push message discriminants.
const (
	// TypeResumeUpdate asks the client to refresh notifications and resume views.
	TypeResumeUpdate = "RESUME_UPDATE"
)

// Notification is one entry of the principal's notification list.
// Only Read is ever changed by the client.
type Notification struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	Read      bool      `json:"read"`
	Type      string    `json:"type,omitempty"`
}

// PushMessage is the body of a message delivered on the principal's topic.
type PushMessage struct {
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	Type      string    `json:"type"`

	rawCreatedAt string
}

// User is the authenticated principal as returned by the account endpoint.
type User struct {
	ID    int64  `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// Account wraps the principal the way the backend returns it.
type Account struct {
	User User `json:"user"`
}

// Resume is the second resource whose cached view is refreshed by pushes.
type Resume struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	URL       string    `json:"url"`
	Status    string    `json:"status"`
	JobName   string    `json:"jobName,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Resume statuses used by the recruitment flow.
const (
	ResumePending   = "PENDING"
	ResumeReviewing = "REVIEWING"
	ResumeApproved  = "APPROVED"
	ResumeRejected  = "REJECTED"
)

// CloneNotifications returns a copy that can be mutated without touching src.
func CloneNotifications(src []Notification) []Notification {
	if src == nil {
		return nil
	}
	out := make([]Notification, len(src))
	copy(out, src)
	return out
}
