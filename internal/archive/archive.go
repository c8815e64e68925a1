// Package archive stores raw ingested reports in object storage so the
// original text survives independently of what the extractor pulled out.
package archive

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/ylouis83/aim-medical/internal/config"
	"github.com/ylouis83/aim-medical/internal/logger"
)

const defaultBucket = "aimmed-reports"

type Client struct {
	mc     *minio.Client
	bucket string
}

func NewClient(cfg config.ArchiveConfig) (*Client, error) {
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	bucket := cfg.Bucket
	if bucket == "" {
		bucket = defaultBucket
	}

	return &Client{mc: mc, bucket: bucket}, nil
}

// Init creates the archive bucket if it does not exist.
func (c *Client) Init(ctx context.Context) error {
	exists, err := c.mc.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", c.bucket, err)
	}

	if !exists {
		if err := c.mc.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket %s: %w", c.bucket, err)
		}
		logger.Info("archive bucket created", "bucket", c.bucket)
	}

	return nil
}

func objectName(patientID, documentID string) string {
	return patientID + "/" + documentID + ".txt"
}

// StoreReport archives the raw text of one ingested report keyed by
// patient and document id, returning the object URI.
func (c *Client) StoreReport(ctx context.Context, patientID, documentID, reportText string) (string, error) {
	name := objectName(patientID, documentID)
	reader := strings.NewReader(reportText)

	_, err := c.mc.PutObject(ctx, c.bucket, name, reader, int64(len(reportText)), minio.PutObjectOptions{
		ContentType: "text/plain; charset=utf-8",
	})
	if err != nil {
		return "", fmt.Errorf("archive %s: %w", name, err)
	}

	logger.Debug("report archived", "object", name, "bytes", len(reportText))
	return "s3://" + c.bucket + "/" + name, nil
}

// FetchReport returns the archived raw text for one document.
func (c *Client) FetchReport(ctx context.Context, patientID, documentID string) (string, error) {
	name := objectName(patientID, documentID)

	obj, err := c.mc.GetObject(ctx, c.bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", name, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", name, err)
	}

	return string(data), nil
}

// ListPatientReports lists the archived document ids for one patient.
func (c *Client) ListPatientReports(ctx context.Context, patientID string) ([]string, error) {
	var ids []string
	for obj := range c.mc.ListObjects(ctx, c.bucket, minio.ListObjectsOptions{Prefix: patientID + "/"}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		id := strings.TrimPrefix(obj.Key, patientID+"/")
		ids = append(ids, strings.TrimSuffix(id, ".txt"))
	}

	return ids, nil
}
