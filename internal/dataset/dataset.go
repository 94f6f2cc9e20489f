// Package dataset defines the dataset record, its lifecycle and the naming
// of the artifacts published for it.
package dataset

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Dataset is one observed version of a resource, identified by its reference date
type Dataset struct {
	ID            string    `json:"datasetId"`
	ResourceID    string    `json:"resourceId"`
	ReferenceDate time.Time `json:"referenceDate"`
	Status        Status    `json:"status"`
	Type          string    `json:"type"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// New returns a pending dataset with a freshly generated id
func New(resourceID, fileType string, referenceDate, now time.Time) *Dataset {
	now = now.UTC()
	return &Dataset{
		ID:            uuid.NewString(),
		ResourceID:    resourceID,
		ReferenceDate: referenceDate.UTC(),
		Status:        StatusPending,
		Type:          fileType,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Clone returns a copy of the dataset
func (d *Dataset) Clone() *Dataset {
	if d == nil {
		return nil
	}
	c := *d
	return &c
}

// Artifacts holds the four file paths a dataset may occupy in the downloads directory
type Artifacts struct {
	// Current is the raw file served for the resource
	Current string
	// CurrentGzip is the compressed counterpart of Current
	CurrentGzip string
	// Staging is the raw file written while the dataset is downloading
	Staging string
	// StagingGzip is the compressed file written before promotion
	StagingGzip string
}

// ArtifactsFor returns the artifact paths of a dataset rooted at dir
func ArtifactsFor(dir, resourceID, datasetID, fileType string) Artifacts {
	current := fmt.Sprintf("%s.%s", resourceID, fileType)
	staging := fmt.Sprintf("%s-%s.%s", resourceID, datasetID, fileType)
	return Artifacts{
		Current:     filepath.Join(dir, current),
		CurrentGzip: filepath.Join(dir, current+".gz"),
		Staging:     filepath.Join(dir, staging),
		StagingGzip: filepath.Join(dir, staging+".gz"),
	}
}

// Artifacts returns the artifact paths of d rooted at dir
func (d *Dataset) Artifacts(dir string) Artifacts {
	return ArtifactsFor(dir, d.ResourceID, d.ID, d.Type)
}
