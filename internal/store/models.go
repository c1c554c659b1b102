package store

import "time"

type User struct {
	ID           string
	Username     string
	DisplayName  string
	Role         string
	PasscodeHash string
	CreatedAt    time.Time
}

// Name returns the display name, falling back to the login name.
func (u User) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Username
}

// Task statuses.
const (
	StatusPending    = "pending"
	StatusInProgress = "in-progress"
	StatusCompleted  = "completed"
	StatusSkipped    = "skipped"
)

func ValidTaskStatus(status string) bool {
	switch status {
	case StatusPending, StatusInProgress, StatusCompleted, StatusSkipped:
		return true
	default:
		return false
	}
}

type ServiceAssignment struct {
	ID         int64
	DateString string
	Title      string
	Status     string
	DaysUntil  int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type WorkflowTask struct {
	ServiceID    int64
	TaskID       string
	Status       string
	DocumentLink *string
	AssignedTo   *string
	CompletedBy  *string
	Metadata     map[string]any
	UpdatedAt    time.Time
}

// TaskView is the read shape of a task keyed by its task id.
type TaskView struct {
	Status       string         `json:"status"`
	DocumentLink *string        `json:"documentLink"`
	AssignedTo   *string        `json:"assignedTo"`
	CompletedBy  *string        `json:"completedBy"`
	Metadata     map[string]any `json:"metadata"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

func (t WorkflowTask) View() TaskView {
	metadata := t.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	return TaskView{
		Status:       t.Status,
		DocumentLink: t.DocumentLink,
		AssignedTo:   t.AssignedTo,
		CompletedBy:  t.CompletedBy,
		Metadata:     metadata,
		UpdatedAt:    t.UpdatedAt,
	}
}

type ServiceWithTasks struct {
	ServiceAssignment
	Tasks map[string]TaskView
}

type ActivityEntry struct {
	ID           int64
	UserID       string
	UserName     string
	UserRole     string
	ActivityType string
	Title        string
	Description  string
	Details      map[string]any
	EntityID     string
	DateString   string
	Icon         string
	Color        string
	CreatedAt    time.Time
}

// Mention tag kinds embedded on a message for display.
const (
	MentionRole       = "role"
	MentionUser       = "user"
	MentionUnresolved = "unresolved"
)

type MentionTag struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type Message struct {
	ID        string
	SenderID  string
	Content   string
	Mentions  []MentionTag
	CreatedAt time.Time

	// Joined from users.
	SenderUsername string
	SenderName     string
	SenderRole     string
}

// Mention is a relational mention row; exactly one of MentionedUserID and
// MentionedRole is set.
type Mention struct {
	ID              string
	MessageID       string
	MentionedUserID string
	MentionedRole   string
	IsRead          bool
	CreatedAt       time.Time
}

type MentionView struct {
	Mention
	Message Message
}

// Submission kinds.
const (
	KindLyrics = "lyrics"
	KindSermon = "sermon"
)

const (
	SubmissionPending    = "pending"
	SubmissionTranslated = "translated"
)

type Submission struct {
	ID          string
	ServiceID   int64
	DateString  string
	Kind        string
	Title       string
	Content     string
	Language    string
	Status      string
	SubmittedBy string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Translation *Translation
}

type Translation struct {
	ID           string
	OriginalID   string
	Content      string
	Language     string
	TranslatedBy string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
