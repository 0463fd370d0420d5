package search

// ProjectRecord is the data we index for a project.
type ProjectRecord struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	TechStack   string `json:"techStack"`
	UserID      string `json:"userId"`
}

// BugRecord is the data we index for a BUG entry.
type BugRecord struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	ErrorMessage string `json:"errorMessage"`
	Context      string `json:"context"`
	ProjectID    string `json:"projectId"`
	UserID       string `json:"userId"`
}

// DecisionRecord is the data we index for a DECISION entry.
type DecisionRecord struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Context   string `json:"context"`
	ProjectID string `json:"projectId"`
	UserID    string `json:"userId"`
}

// Query describes a search request. UserID is always set; results never
// cross user boundaries.
type Query struct {
	Text   string
	UserID string
	Limit  int
}

// Response is the grouped envelope returned by the search endpoint.
type Response struct {
	Projects  []ProjectRecord  `json:"projects"`
	Bugs      []BugRecord      `json:"bugs"`
	Decisions []DecisionRecord `json:"decisions"`
	Query     string           `json:"query"`
}

// Searcher can execute a scoped search across projects, bugs, and decisions.
type Searcher interface {
	Search(q Query) (Response, error)
	Healthy() bool
}

// Indexer can push entities into a search index.
type Indexer interface {
	IndexProject(p ProjectRecord) error
	IndexBug(b BugRecord) error
	IndexDecision(d DecisionRecord) error
	DeleteProject(id string) error
	DeleteEntry(id string) error
}
