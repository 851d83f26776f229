package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"path"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/mohammad-safakhou/dbadvisor/config"
	"github.com/mohammad-safakhou/dbadvisor/internal/optimizer"
)

// ErrNotFound is returned when an archived artifact does not exist.
var ErrNotFound = errors.New("artifact not found")

// Artifact names written for every run.
const (
	ReportObject    = "report.json"
	FinalPlanObject = "final_plan.json"
	BestPlanObject  = "best_plan.json"
)

// S3Archive stores final run artifacts in an S3-compatible bucket under
// runs/<run id>/.
type S3Archive struct {
	client   *minio.Client
	bucket   string
	region   string
	logger   *log.Logger
	initOnce sync.Once
	initErr  error
}

func New(cfg config.S3Config, logger *log.Logger) (*S3Archive, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("s3 endpoint is required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("init s3 client: %w", err)
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[ARCHIVE] ", log.LstdFlags)
	}
	return &S3Archive{client: client, bucket: bucket, region: region, logger: logger}, nil
}

func (a *S3Archive) ensureBucket(ctx context.Context) error {
	a.initOnce.Do(func() {
		exists, err := a.client.BucketExists(ctx, a.bucket)
		if err != nil {
			a.initErr = err
			return
		}
		if !exists {
			a.initErr = a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{Region: a.region})
		}
	})
	return a.initErr
}

// PutRun uploads the report and the final and best plans of a run.
func (a *S3Archive) PutRun(ctx context.Context, report optimizer.Report) error {
	if err := a.ensureBucket(ctx); err != nil {
		return fmt.Errorf("ensure bucket: %w", err)
	}
	objects, err := Artifacts(report)
	if err != nil {
		return err
	}
	for name, data := range objects {
		key := ObjectKey(report.RunID, name)
		_, err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
			ContentType: "application/json",
		})
		if err != nil {
			return fmt.Errorf("put %s: %w", key, err)
		}
	}
	a.logger.Printf("archived run %s (%d objects) to s3://%s/%s", report.RunID, len(objects), a.bucket, ObjectKey(report.RunID, ""))
	return nil
}

// Get downloads one archived artifact.
func (a *S3Archive) Get(ctx context.Context, runID, name string) ([]byte, error) {
	obj, err := a.client.GetObject(ctx, a.bucket, ObjectKey(runID, name), minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		code := minio.ToErrorResponse(err).Code
		if code == "NoSuchKey" || code == "NoSuchBucket" {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

// Artifacts renders the objects archived for report, keyed by name.
func Artifacts(report optimizer.Report) (map[string][]byte, error) {
	if strings.TrimSpace(report.RunID) == "" {
		return nil, fmt.Errorf("run id is required")
	}
	out := map[string][]byte{}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return nil, err
	}
	out[ReportObject] = data
	if report.Last != nil {
		if out[FinalPlanObject], err = json.MarshalIndent(report.Last, "", "  "); err != nil {
			return nil, err
		}
	}
	if report.Best != nil && report.Best.Plan != nil {
		if out[BestPlanObject], err = json.MarshalIndent(report.Best.Plan, "", "  "); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func ObjectKey(runID, name string) string {
	return path.Join("runs", strings.TrimSpace(runID)) + "/" + strings.TrimLeft(name, "/")
}
