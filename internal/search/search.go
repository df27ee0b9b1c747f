package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultProposal ResultType = "proposal"
	ResultProcess  ResultType = "process"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type       ResultType `json:"type"`
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Snippet    string     `json:"snippet"`
	InstanceID string     `json:"instanceId,omitempty"`
	Visibility string     `json:"visibility,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text             string
	FilterType       ResultType // empty = all types
	FilterInstanceID string
	Limit            int
	Offset           int
	// IncludeHidden is true for moderators; members never see hidden
	// proposals in results.
	IncludeHidden bool
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push entities into a search index.
type Indexer interface {
	IndexProposal(p ProposalRecord) error
	IndexProcess(p ProcessRecord) error
	DeleteProposal(id string) error
}

// ProposalRecord is the data we index for a proposal.
type ProposalRecord struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Category    string `json:"category"`
	InstanceID  string `json:"instanceId"`
	Status      string `json:"status"`
	Visibility  string `json:"visibility"`
}

// ProcessRecord is the data we index for a decision process.
type ProcessRecord struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}
