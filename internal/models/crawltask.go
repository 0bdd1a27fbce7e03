package models

// Priority orders crawl tasks; lower number dequeues first.
type Priority int

const (
	PriorityHigh   Priority = 1
	PriorityNormal Priority = 2
	PriorityLow    Priority = 3
)

// CrawlTask is a unit of work inside the crawl pool. Depth is 1-based:
// the seed page is depth 1.
type CrawlTask struct {
	URL      string
	Depth    int
	Priority Priority
	Referer  string
}
