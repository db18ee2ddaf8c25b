package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type JobKind string

const (
	KindCategoryDiscovery JobKind = "category"
	KindProductPage       JobKind = "product"
)

func ParseJobKind(s string) (JobKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "category", "categories", "category_discovery":
		return KindCategoryDiscovery, nil
	case "product", "products", "product_page":
		return KindProductPage, nil
	}
	return "", fmt.Errorf("unknown job kind: %q", s)
}

type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
)

type ExtractionJob struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Kind      JobKind   `json:"kind"`
	State     JobState  `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

func NewExtractionJob(url string, kind JobKind) *ExtractionJob {
	return &ExtractionJob{
		ID:        uuid.New().String(),
		URL:       url,
		Kind:      kind,
		State:     JobQueued,
		CreatedAt: time.Now(),
	}
}

type Outcome struct {
	Job        ExtractionJob      `json:"job"`
	State      JobState           `json:"state"`
	ErrorKind  string             `json:"error_kind,omitempty"`
	Error      string             `json:"error,omitempty"`
	Categories []Category         `json:"categories,omitempty"`
	Products   []ProductCandidate `json:"products,omitempty"`
	Strategy   FetchStrategy      `json:"strategy,omitempty"`
	Attempts   int                `json:"attempts"`
	Duration   time.Duration      `json:"duration"`
}

func (o Outcome) Succeeded() bool {
	return o.State == JobSucceeded
}
