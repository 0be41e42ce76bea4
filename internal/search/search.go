package search

// Result is a single discovery hit returned to the caller.
type Result struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Snippet string   `json:"snippet"`
	Tags    []string `json:"tags"`
}

// Query describes a discovery request.
type Query struct {
	Text   string
	Limit  int
	Offset int
}

// Response is the envelope returned by the discovery endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search over communities.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// HouseRecord is the data we index for a community. Invite codes are
// deliberately absent; discovery must never leak them.
type HouseRecord struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
}
