package jobs

import (
	"time"
)

// JobPosting is the job-posting record indexed by the search-index queue.
type JobPosting struct {
	ID             int64     `json:"id" validate:"required"`
	Title          string    `json:"title" validate:"required"`
	Description    string    `json:"description"`
	OrganizationID int64     `json:"organizationId"`
	Company        string    `json:"company"`
	Location       string    `json:"location"`
	EmploymentType string    `json:"employmentType"`
	Remote         bool      `json:"remote"`
	SalaryMin      *int64    `json:"salaryMin,omitempty"`
	SalaryMax      *int64    `json:"salaryMax,omitempty"`
	Tags           []string  `json:"tags,omitempty"`
	Status         string    `json:"status"`
	PublishedAt    time.Time `json:"publishedAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// JobPostingRef identifies a posting to remove from the index.
type JobPostingRef struct {
	ID int64 `json:"id" validate:"required"`
}

// EmailPayload is the payload of every email job.
type EmailPayload struct {
	RecipientEmail string `json:"recipientEmail" validate:"required,email"`
	RecipientName  string `json:"recipientName"`
	// TemplateName defaults to the job name when empty.
	TemplateName string                 `json:"templateName"`
	TemplateData map[string]interface{} `json:"templateData,omitempty"`
}

// EntityType names the record owning a list of FileMetadata.
type EntityType string

// Entity types accepted by the upload queue.
const (
	EntityJob          EntityType = "job"
	EntityOrganization EntityType = "organization"
	EntityUser         EntityType = "user"
)

// TempFile references a file written to the transient upload directory by
// the request that enqueued the upload.
type TempFile struct {
	OriginalName string `json:"originalName" validate:"required"`
	TempPath     string `json:"tempPath" validate:"required"`
	Size         int64  `json:"size" validate:"gte=0"`
	MimeType     string `json:"mimeType"`
}

// UploadPayload is the payload of the uploadFile job.
type UploadPayload struct {
	TempFiles         []TempFile `json:"tempFiles" validate:"required,min=1,dive"`
	EntityType        EntityType `json:"entityType" validate:"required,oneof=job organization user"`
	EntityID          string     `json:"entityId" validate:"required"`
	Folder            string     `json:"folder"`
	MergeWithExisting bool       `json:"mergeWithExisting"`
	CorrelationID     string     `json:"correlationId"`
}

// FileMetadata describes a file transferred to durable storage.
type FileMetadata struct {
	OriginalName string    `json:"originalName"`
	URL          string    `json:"url"`
	Size         int64     `json:"size"`
	MimeType     string    `json:"mimeType"`
	UploadedAt   time.Time `json:"uploadedAt"`
}

// MergeMetadata returns existing followed by added when merge is set, and
// added alone otherwise. The inputs are not modified.
func MergeMetadata(existing, added []FileMetadata, merge bool) []FileMetadata {
	if !merge {
		return append([]FileMetadata{}, added...)
	}
	out := make([]FileMetadata, 0, len(existing)+len(added))
	out = append(out, existing...)
	return append(out, added...)
}
