// Package job models generation jobs and their lifecycle.
package job

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrJobNotFound    = errors.New("job: not found")
	ErrUnknownModule  = errors.New("job: unknown module")
	ErrInvalidInput   = errors.New("job: invalid input")
	ErrStatusConflict = errors.New("job: status changed concurrently")
)

// Status is a job's lifecycle state.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusRetrying   Status = "retrying"
)

// Active statuses still hold a worker slot or wait for one.
var Active = []Status{StatusQueued, StatusProcessing, StatusRetrying}

var transitions = map[Status][]Status{
	StatusQueued:     {StatusProcessing, StatusCancelled, StatusFailed},
	StatusRetrying:   {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusCancelled},
	StatusFailed:     {StatusRetrying},
	StatusCompleted:  {StatusRetrying},
	StatusCancelled:  {},
}

// CanTransition reports whether from → to is a legal move. queued and
// retrying may fail directly when the job cannot be dispatched.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Error codes recorded on failed or cancelled jobs.
const (
	CodeProvider     = "provider_error"
	CodeTimeout      = "timeout"
	CodeInternal     = "internal_error"
	CodeQueueFull    = "queue_full"
	CodeCancelled    = "cancelled"
	CodeMaintenance  = "cancelled_maintenance"
	CodeInvalidInput = "invalid_input"
)

// Error is the failure recorded on a job.
type Error struct {
	Message   string    `json:"message"`
	Code      string    `json:"code"`
	Timestamp time.Time `json:"timestamp"`
}

// PublicMessage is the text safe to show end users.
func (e *Error) PublicMessage() string {
	switch e.Code {
	case CodeTimeout:
		return "Generation took too long and was stopped. Your credits were refunded."
	case CodeProvider:
		return "The generation service could not complete this request. Your credits were refunded."
	case CodeQueueFull:
		return "The system is busy. Your credits were refunded; please try again shortly."
	case CodeCancelled, CodeMaintenance:
		return "This job was cancelled."
	default:
		return "Something went wrong while generating. Your credits were refunded."
	}
}

// MaxPromptRunes bounds Input.Prompt. Keep in step with its validate tag.
const MaxPromptRunes = 4000

// Input is the normalized request for a generation.
type Input struct {
	Prompt          string `json:"prompt,omitempty" validate:"max=4000"`
	NegativePrompt  string `json:"negativePrompt,omitempty" validate:"max=2000"`
	ImageURL        string `json:"imageUrl,omitempty" validate:"omitempty,url"`
	SourceJobID     string `json:"sourceJobId,omitempty" validate:"omitempty,ident"`
	DurationSeconds int    `json:"durationSeconds,omitempty" validate:"gte=0,lte=600"`
	AspectRatio     string `json:"aspectRatio,omitempty" validate:"omitempty,oneof=1:1 16:9 9:16 4:5"`
	Voice           string `json:"voice,omitempty" validate:"max=64"`
	Style           string `json:"style,omitempty" validate:"max=64"`
	Format          string `json:"format,omitempty" validate:"omitempty,oneof=png jpg mp4 webm mp3 wav zip"`
	Platform        string `json:"platform,omitempty" validate:"max=64"`
}

// Validate checks the fields module m requires.
func (in Input) Validate(m Module) error {
	missing := func(field string) error {
		return fmt.Errorf("%w: %s requires %s", ErrInvalidInput, m, field)
	}
	switch m {
	case TextToImage, TextToVideo, TextToAudio, CampaignWizard:
		if strings.TrimSpace(in.Prompt) == "" {
			return missing("prompt")
		}
	case ImageToVideo:
		if in.ImageURL == "" {
			return missing("imageUrl")
		}
	case Export:
		if in.SourceJobID == "" {
			return missing("sourceJobId")
		}
	default:
		return ErrUnknownModule
	}
	return nil
}

// Output is one produced asset.
type Output struct {
	URL      string `json:"url"`
	MimeType string `json:"mimeType,omitempty"`
}

// Job is one generation request.
type Job struct {
	ID            string     `json:"id"`
	TenantID      string     `json:"tenantId"`
	UserID        string     `json:"userId"`
	Module        Module     `json:"module"`
	Status        Status     `json:"status"`
	Input         Input      `json:"input"`
	Output        []Output   `json:"output"`
	CreditsUsed   int64      `json:"creditsUsed"`
	RetryCount    int        `json:"retryCount"`
	MaxRetries    int        `json:"maxRetries"`
	Error         *Error     `json:"error,omitempty"`
	Refunded      bool       `json:"refunded"`
	ProviderJobID string     `json:"providerJobId,omitempty"`
	CampaignID    string     `json:"campaignId,omitempty"`
	QueuedAt      time.Time  `json:"queuedAt"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// Terminal reports whether no automatic transition will follow. A failed job
// is terminal once its retry budget is spent; manual retries remain allowed.
func (j *Job) Terminal() bool {
	switch j.Status {
	case StatusCompleted, StatusCancelled:
		return true
	case StatusFailed:
		return j.RetryCount >= j.MaxRetries
	}
	return false
}

// Clone returns a deep copy.
func (j *Job) Clone() *Job {
	cp := *j
	if j.Output != nil {
		cp.Output = append([]Output(nil), j.Output...)
	}
	if j.Error != nil {
		e := *j.Error
		cp.Error = &e
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// Patch lists the fields a status update may change. Nil fields are left
// untouched.
type Patch struct {
	StartedAt      *time.Time
	CompletedAt    *time.Time
	ClearCompleted bool
	Output         []Output
	ClearOutput    bool
	Error          *Error
	ClearError     bool
	IncrementRetry bool
	Refunded       *bool
	ProviderJobID  *string
}

// Apply writes p onto j.
func (p Patch) Apply(j *Job) {
	if p.StartedAt != nil {
		j.StartedAt = p.StartedAt
	}
	if p.ClearCompleted {
		j.CompletedAt = nil
	}
	if p.CompletedAt != nil {
		j.CompletedAt = p.CompletedAt
	}
	if p.ClearOutput {
		j.Output = nil
	}
	if p.Output != nil {
		j.Output = p.Output
	}
	if p.ClearError {
		j.Error = nil
	}
	if p.Error != nil {
		j.Error = p.Error
	}
	if p.IncrementRetry {
		j.RetryCount++
	}
	if p.Refunded != nil {
		j.Refunded = *p.Refunded
	}
	if p.ProviderJobID != nil {
		j.ProviderJobID = *p.ProviderJobID
	}
}

// Stats aggregates a user's jobs. CreditsSpent excludes refunded jobs.
type Stats struct {
	Total        int            `json:"total"`
	ByStatus     map[Status]int `json:"byStatus"`
	ByModule     map[Module]int `json:"byModule"`
	CreditsSpent int64          `json:"creditsSpent"`
}

// NewStats returns an empty aggregate.
func NewStats() *Stats {
	return &Stats{ByStatus: map[Status]int{}, ByModule: map[Module]int{}}
}

// Add folds j into s.
func (s *Stats) Add(j *Job) {
	s.Total++
	s.ByStatus[j.Status]++
	s.ByModule[j.Module]++
	if !j.Refunded {
		s.CreditsSpent += j.CreditsUsed
	}
}
