package search

import "context"

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultMessage  ResultType = "message"
	ResultActivity ResultType = "activity"
)

// ParseResultType maps the ?type= query value; anything unknown searches
// chat messages.
func ParseResultType(value string) ResultType {
	switch ResultType(value) {
	case ResultActivity:
		return ResultActivity
	case "all":
		return ""
	default:
		return ResultMessage
	}
}

// Result is a single search hit returned to the caller.
type Result struct {
	Type       ResultType `json:"type"`
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Snippet    string     `json:"snippet"`
	Author     string     `json:"author"`
	DateString string     `json:"dateString,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text       string
	FilterType ResultType // empty = all types
	FilterDate string
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// MessageRecord is the data we index for a chat message.
type MessageRecord struct {
	ID         string `json:"id"`
	Content    string `json:"content"`
	SenderName string `json:"senderName"`
	SenderRole string `json:"senderRole"`
	DateString string `json:"dateString"`
	CreatedAt  int64  `json:"createdAt"`
}

// ActivityRecord is the data we index for an activity log entry.
type ActivityRecord struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	ActivityType string `json:"activityType"`
	UserName     string `json:"userName"`
	DateString   string `json:"dateString"`
	CreatedAt    int64  `json:"createdAt"`
}
