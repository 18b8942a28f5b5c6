// Package jobs tracks web submissions between the POST that starts one and
// the waiting page that polls it.
package jobs

import (
	"context"
	"errors"
	"time"

	"momon/pkg/domain"
)

// Status is a submission's lifecycle position.
type Status string

const (
	StatusSubmitting Status = "submitting"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
)

// ErrNotFound is returned by Update for unknown or expired jobs.
var ErrNotFound = errors.New("job not found")

// Job is one web submission. The image is kept so a failed draft can be
// resubmitted without uploading it again.
type Job struct {
	ID        string    `json:"id"`
	DeviceID  string    `json:"deviceId"`
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	MonsterID int64     `json:"monsterId,omitempty"`
	Error     string    `json:"error,omitempty"`
	Text      string    `json:"text"`
	ImageName string    `json:"imageName,omitempty"`
	ImageType string    `json:"imageType,omitempty"`
	Image     []byte    `json:"image,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ImageFile returns the held image.
func (j Job) ImageFile() domain.ImageFile {
	return domain.ImageFile{Filename: j.ImageName, ContentType: j.ImageType, Data: j.Image}
}

// OwnedBy reports whether deviceID may see the job.
func (j Job) OwnedBy(deviceID string) bool {
	return deviceID != "" && j.DeviceID == deviceID
}

// Store persists jobs for a bounded time.
type Store interface {
	Save(ctx context.Context, job Job) error
	Get(ctx context.Context, id string) (Job, bool, error)
	Update(ctx context.Context, id string, fn func(*Job)) error
	Delete(ctx context.Context, id string) error
}
