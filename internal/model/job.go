package model

import (
	"fmt"
	"strings"
)

type Platform string

const (
	PlatformXHS    Platform = "xhs"
	PlatformDouyin Platform = "dy"
	PlatformKuai   Platform = "ks"
	PlatformBili   Platform = "bili"
	PlatformWeibo  Platform = "wb"
	PlatformTieba  Platform = "tieba"
	PlatformZhihu  Platform = "zhihu"
)

type JobType string

const (
	JobSearch  JobType = "search"
	JobDetail  JobType = "detail"
	JobCreator JobType = "creator"
)

type SaveMode string

const (
	SaveDB   SaveMode = "db"
	SaveJSON SaveMode = "json"
	SaveCSV  SaveMode = "csv"
)

func (m SaveMode) Valid() bool {
	switch m {
	case SaveDB, SaveJSON, SaveCSV:
		return true
	}
	return false
}

// Targets holds the identifiers a job collects. Exactly one list is used
// per job type.
type Targets struct {
	Keywords   []string `json:"keywords,omitempty"`
	ContentIDs []string `json:"content_ids,omitempty"`
	CreatorIDs []string `json:"creator_ids,omitempty"`
}

type Limits struct {
	MaxItems    int `json:"max_items"`
	MaxComments int `json:"max_comments"`
}

type Flags struct {
	Headless    bool `json:"headless"`
	UseProxy    bool `json:"use_proxy"`
	Comments    bool `json:"comments_enabled"`
	SubComments bool `json:"sub_comments_enabled"`
}

// CollectionJob is one request to run the external crawler. It is not
// modified after submission.
type CollectionJob struct {
	ID               string     `json:"job_id,omitempty"`
	Platform         Platform   `json:"platform"`
	Type             JobType    `json:"job_type"`
	Targets          Targets    `json:"target_set"`
	Limits           Limits     `json:"limits"`
	Flags            Flags      `json:"flags"`
	SaveMode         SaveMode   `json:"save_mode,omitempty"`
	Overrides        *Overrides `json:"config_overrides,omitempty"`
	ClearCredentials bool       `json:"clear_credentials,omitempty"`
}

// DefaultJob returns a job with the defaults the HTTP and CLI surfaces
// start from.
func DefaultJob() CollectionJob {
	return CollectionJob{
		Limits:   Limits{MaxItems: 100, MaxComments: 50},
		Flags:    Flags{Headless: true, Comments: true},
		SaveMode: SaveDB,
	}
}

// Validate checks the job type against the populated target list. The
// platform is checked by the caller which owns the platform table.
func (j CollectionJob) Validate() error {
	if j.Platform == "" {
		return &ValidationError{Field: "platform", Reason: "is required"}
	}
	var (
		field string
		set   []string
	)
	switch j.Type {
	case JobSearch:
		field, set = "keywords", j.Targets.Keywords
	case JobDetail:
		field, set = "content_ids", j.Targets.ContentIDs
	case JobCreator:
		field, set = "creator_ids", j.Targets.CreatorIDs
	default:
		return &ValidationError{Field: "job_type", Reason: fmt.Sprintf("unsupported job type %q", j.Type)}
	}
	if len(nonBlank(set)) == 0 {
		return &ValidationError{Field: field, Reason: fmt.Sprintf("is required for %s jobs", j.Type)}
	}
	if j.Limits.MaxItems < 0 {
		return &ValidationError{Field: "max_items", Reason: "must not be negative"}
	}
	if j.Limits.MaxComments < 0 {
		return &ValidationError{Field: "max_comments", Reason: "must not be negative"}
	}
	if j.SaveMode != "" && !j.SaveMode.Valid() {
		return &ValidationError{Field: "save_mode", Reason: fmt.Sprintf("unsupported save mode %q", j.SaveMode)}
	}
	if j.Overrides != nil {
		if err := j.Overrides.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// TargetList returns the identifiers relevant for the job type.
func (j CollectionJob) TargetList() []string {
	switch j.Type {
	case JobSearch:
		return nonBlank(j.Targets.Keywords)
	case JobDetail:
		return nonBlank(j.Targets.ContentIDs)
	case JobCreator:
		return nonBlank(j.Targets.CreatorIDs)
	}
	return nil
}

func nonBlank(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// JobResult is created once when a job finishes or is stopped.
type JobResult struct {
	JobID      string   `json:"job_id"`
	Success    bool     `json:"success"`
	Message    string   `json:"message"`
	ItemCount  int      `json:"item_count"`
	ErrorCount int      `json:"error_count"`
	Payload    any      `json:"payload,omitempty"`
	Errors     []string `json:"errors,omitempty"`
}

type JobState string

const (
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobNotFound  JobState = "not_found"
)

type JobStatus struct {
	JobID    string            `json:"job_id"`
	State    JobState          `json:"status"`
	Done     bool              `json:"done"`
	Success  *bool             `json:"success,omitempty"`
	Message  string            `json:"message,omitempty"`
	Items    int               `json:"data_count,omitempty"`
	Errors   int               `json:"error_count,omitempty"`
	Progress *ProgressSnapshot `json:"progress,omitempty"`
}
