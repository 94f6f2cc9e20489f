package dataset

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	t.Parallel()

	ref := time.Date(2024, 3, 1, 10, 0, 0, 0, time.FixedZone("X", 3600))
	now := time.Date(2024, 3, 2, 8, 0, 0, 0, time.UTC)

	d := New("crimes", "csv", ref, now)

	assert.NotEmpty(t, d.ID)
	assert.Equal(t, "crimes", d.ResourceID)
	assert.Equal(t, "csv", d.Type)
	assert.Equal(t, StatusPending, d.Status)
	assert.True(t, d.ReferenceDate.Equal(ref))
	assert.Equal(t, time.UTC, d.ReferenceDate.Location())
	assert.Equal(t, now, d.CreatedAt)
	assert.Equal(t, now, d.UpdatedAt)

	other := New("crimes", "csv", ref, now)
	assert.NotEqual(t, d.ID, other.ID)
}

func TestArtifactsFor(t *testing.T) {
	t.Parallel()

	a := ArtifactsFor("/data", "crimes", "abc", "csv")

	assert.Equal(t, filepath.Join("/data", "crimes.csv"), a.Current)
	assert.Equal(t, filepath.Join("/data", "crimes.csv.gz"), a.CurrentGzip)
	assert.Equal(t, filepath.Join("/data", "crimes-abc.csv"), a.Staging)
	assert.Equal(t, filepath.Join("/data", "crimes-abc.csv.gz"), a.StagingGzip)
}

func TestDataset_Clone(t *testing.T) {
	t.Parallel()

	var nilDataset *Dataset
	assert.Nil(t, nilDataset.Clone())

	d := New("r", "json", time.Now(), time.Now())
	c := d.Clone()
	c.Status = StatusDownloading
	assert.Equal(t, StatusPending, d.Status)
}
