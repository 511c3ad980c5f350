package webhook

import "encoding/json"

// Event is one received webhook delivery as persisted in the state store.
// The raw payload is kept verbatim so processing can be replayed.
type Event struct {
	ID              string `db:"id" json:"id"`
	DeliveryID      string `db:"delivery_id" json:"delivery_id"`
	EventType       string `db:"event_type" json:"event_type"`
	Action          string `db:"action" json:"action,omitempty"`
	Repository      string `db:"repository" json:"repository,omitempty"`
	InstallationID  string `db:"installation_id" json:"installation_id,omitempty"`
	Signature       string `db:"signature" json:"-"`
	Verified        bool   `db:"-" json:"verified"`
	Payload         string `db:"payload" json:"-"`
	Processed       bool   `db:"-" json:"processed"`
	ProcessingError string `db:"processing_error" json:"processing_error,omitempty"`
	ReceivedAt      int64  `db:"received_at" json:"received_at"`
	ProcessedAt     *int64 `db:"processed_at" json:"processed_at,omitempty"`
}

// payload is the subset of a GitHub webhook body the router acts on.
type payload struct {
	Action       string `json:"action"`
	Installation struct {
		ID int64 `json:"id"`
	} `json:"installation"`
	Repository struct {
		FullName string `json:"full_name"`
		HTMLURL  string `json:"html_url"`
		CloneURL string `json:"clone_url"`
	} `json:"repository"`
	Sender struct {
		Login string `json:"login"`
	} `json:"sender"`
	PullRequest *pullRequest `json:"pull_request"`
	Issue       *issue       `json:"issue"`
	Commits     []commit     `json:"commits"`
}

type pullRequest struct {
	Number  int     `json:"number"`
	Title   string  `json:"title"`
	HTMLURL string  `json:"html_url"`
	Merged  bool    `json:"merged"`
	Labels  []label `json:"labels"`
	Head    struct {
		Ref string `json:"ref"`
	} `json:"head"`
}

type issue struct {
	Number  int     `json:"number"`
	Title   string  `json:"title"`
	HTMLURL string  `json:"html_url"`
	Body    string  `json:"body"`
	Labels  []label `json:"labels"`
}

type label struct {
	Name string `json:"name"`
}

type commit struct {
	Added    []string `json:"added"`
	Removed  []string `json:"removed"`
	Modified []string `json:"modified"`
}

func parsePayload(raw []byte) (*payload, error) {
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *payload) labelNames() []string {
	var labels []label
	switch {
	case p.PullRequest != nil:
		labels = p.PullRequest.Labels
	case p.Issue != nil:
		labels = p.Issue.Labels
	}
	names := make([]string, 0, len(labels))
	for _, l := range labels {
		names = append(names, l.Name)
	}
	return names
}

// changedPaths is only populated for push events; other event types carry no
// file listing in the webhook body.
func (p *payload) changedPaths() []string {
	var paths []string
	for _, c := range p.Commits {
		paths = append(paths, c.Added...)
		paths = append(paths, c.Removed...)
		paths = append(paths, c.Modified...)
	}
	return paths
}
