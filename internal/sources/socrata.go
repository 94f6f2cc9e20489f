package sources

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/jszwec/csvutil"
	"github.com/tidwall/gjson"

	"github.com/stacklok/socrata-cache/internal/config"
	"github.com/stacklok/socrata-cache/internal/httpclient"
)

const (
	// DownloadRowLimit is the $limit sent with downloads so the portal returns every row
	DownloadRowLimit = "100000000"

	lastModifiedPath = "0.updated_at"
)

// timestampLayouts are tried in order; values without a zone are UTC
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
}

// SocrataSource reads resources from a Socrata portal
type SocrataSource struct {
	client  httpclient.Client
	baseURL string
}

var _ Source = (*SocrataSource)(nil)

// NewSocrataSource creates a source for the portal at baseURL
func NewSocrataSource(client httpclient.Client, baseURL string) *SocrataSource {
	return &SocrataSource{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// GetLastModified asks the portal for the newest :updated_at system field
func (s *SocrataSource) GetLastModified(ctx context.Context, res *config.ResourceConfig) (time.Time, error) {
	query := url.Values{}
	query.Set("$select", "max(:updated_at) as updated_at")
	query.Set("$limit", "1")
	query.Set("$group", ":updated_at")
	query.Set("$order", ":updated_at DESC")

	endpoint := s.resourceURL(res.SocrataID, config.ResourceTypeJSON, query)
	body, err := s.client.Get(ctx, endpoint)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: last modified for %s: %v", ErrSourceUnavailable, res.ResourceID, err)
	}

	if !gjson.ValidBytes(body) {
		return time.Time{}, fmt.Errorf("%w: last modified for %s: invalid JSON response", ErrSourceUnavailable, res.ResourceID)
	}
	value := gjson.GetBytes(body, lastModifiedPath)
	if !value.Exists() || value.String() == "" {
		return time.Time{}, fmt.Errorf("%w: last modified for %s: response has no updated_at", ErrSourceUnavailable, res.ResourceID)
	}

	ts, err := parseTimestamp(value.String())
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: last modified for %s: %v", ErrSourceUnavailable, res.ResourceID, err)
	}

	slog.Debug("Fetched last modified", "resource_id", res.ResourceID, "updated_at", ts)
	return ts, nil
}

// GetColumns reads the CSV header of an empty result set
func (s *SocrataSource) GetColumns(ctx context.Context, res *config.ResourceConfig) ([]string, error) {
	query := url.Values{}
	query.Set("$select", "*")
	query.Set("$limit", "0")

	endpoint := s.resourceURL(res.SocrataID, config.ResourceTypeCSV, query)
	body, err := s.client.Get(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: columns for %s: %v", ErrSourceUnavailable, res.ResourceID, err)
	}

	dec, err := csvutil.NewDecoder(csv.NewReader(bytes.NewReader(body)))
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: columns for %s: empty header", ErrSourceUnavailable, res.ResourceID)
		}
		return nil, fmt.Errorf("%w: columns for %s: %v", ErrSourceUnavailable, res.ResourceID, err)
	}

	header := dec.Header()
	columns := make([]string, 0, len(header))
	for _, column := range header {
		if res.IsExcluded(column) {
			continue
		}
		columns = append(columns, column)
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("%w: columns for %s: every column is excluded", ErrSourceUnavailable, res.ResourceID)
	}
	return columns, nil
}

// OpenDownloadStream starts the download of the resource in its configured type
func (s *SocrataSource) OpenDownloadStream(
	ctx context.Context, res *config.ResourceConfig, columns []string,
) (io.ReadCloser, error) {
	query := url.Values{}
	for key, value := range res.Query {
		query.Set(key, value)
	}
	query.Set("$limit", DownloadRowLimit)
	if len(columns) > 0 {
		query.Set("$select", strings.Join(columns, ","))
	}

	endpoint := s.resourceURL(res.SocrataID, res.GetType(), query)
	body, err := s.client.Stream(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: download of %s: %v", ErrSourceUnavailable, res.ResourceID, err)
	}
	return &sourceReader{ReadCloser: body, resourceID: res.ResourceID}, nil
}

func (s *SocrataSource) resourceURL(socrataID, ext string, query url.Values) string {
	return fmt.Sprintf("%s/resource/%s.%s?%s", s.baseURL, url.PathEscape(socrataID), ext, query.Encode())
}

// sourceReader marks mid-stream read failures as source failures
type sourceReader struct {
	io.ReadCloser
	resourceID string
}

func (r *sourceReader) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
		return n, fmt.Errorf("%w: download of %s: %v", ErrSourceUnavailable, r.resourceID, err)
	}
	return n, err
}

func parseTimestamp(value string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", value)
}
