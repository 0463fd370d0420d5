package store

import "time"

const (
	EntryTypeBug      = "BUG"
	EntryTypeDecision = "DECISION"
)

type User struct {
	ID           string
	Email        string
	Name         string
	PasswordHash string
	CreatedAt    time.Time
}

type Project struct {
	ID          string
	Name        string
	Description string
	TechStack   string
	UserID      string
	CreatedAt   time.Time
}

// Entry is the polymorphic bug/decision record. EntryType discriminates the
// two variants; ErrorMessage and RootCause are meaningful for BUG only.
type Entry struct {
	ID                  string
	ProjectID           string
	EntryType           string
	Title               string
	ErrorMessage        string
	Context             string
	RootCause           string
	Solution            string
	ScreenshotURL       string
	AIExplanation       string
	AIInterviewQuestion string
	CreatedAt           time.Time
}

// EntryUpdate carries the mutable entry fields for UpdateEntry.
type EntryUpdate struct {
	Title        string
	ErrorMessage string
	Context      string
	RootCause    string
	Solution     string
}
