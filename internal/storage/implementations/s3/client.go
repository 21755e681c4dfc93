package s3

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/privtrace/internal/export"
	"github.com/inferloop/privtrace/internal/storage/implementations/file"
	"github.com/inferloop/privtrace/pkg/errors"
	"github.com/inferloop/privtrace/pkg/interfaces"
	"github.com/inferloop/privtrace/pkg/models"
)

const objectName = "trajectories"

// S3Config holds configuration for S3 storage
type S3Config struct {
	Region          string        `json:"region"`
	Bucket          string        `json:"bucket"`
	AccessKeyID     string        `json:"access_key_id"`
	SecretAccessKey string        `json:"secret_access_key"`
	SessionToken    string        `json:"session_token,omitempty"`
	Endpoint        string        `json:"endpoint,omitempty"`
	ForcePathStyle  bool          `json:"force_path_style"`
	DisableSSL      bool          `json:"disable_ssl"`
	Prefix          string        `json:"prefix"`
	Format          string        `json:"format"`
	Timeout         time.Duration `json:"timeout"`
	MaxRetries      int           `json:"max_retries"`
	PartSize        int64         `json:"part_size"`
	UseCompression  bool          `json:"use_compression"`
	StorageClass    string        `json:"storage_class"`
}

// S3Storage uploads the synthetic output of each run as a single object encoded by
// the export engine.
type S3Storage struct {
	config     *S3Config
	s3Client   *s3.S3
	uploader   *s3manager.Uploader
	downloader *s3manager.Downloader
	engine     *export.ExportEngine
	logger     *logrus.Logger
	mu         sync.RWMutex
	metrics    *storageMetrics
	closed     bool
}

type storageMetrics struct {
	readOps      int64
	writeOps     int64
	errorCount   int64
	bytesRead    int64
	bytesWritten int64
	mu           sync.Mutex
}

// NewS3Storage creates a new S3 storage instance
func NewS3Storage(config *S3Config, logger *logrus.Logger) (*S3Storage, error) {
	if config == nil {
		return nil, errors.NewStorageError(errors.CodeInvalidConfiguration, "S3 config cannot be nil")
	}

	if config.Bucket == "" {
		return nil, errors.NewStorageError(errors.CodeInvalidConfiguration, "S3 bucket is required")
	}

	if config.Format == "" {
		config.Format = string(export.FormatDat)
	}

	if logger == nil {
		logger = logrus.New()
	}

	engine := export.NewExportEngine(logger)
	if !engine.IsSupported(export.ExportFormat(config.Format)) {
		return nil, errors.NewStorageError(errors.CodeInvalidConfiguration,
			fmt.Sprintf("unsupported S3 object format %q", config.Format))
	}

	return &S3Storage{
		config:  config,
		logger:  logger,
		engine:  engine,
		metrics: &storageMetrics{},
	}, nil
}

// Connect establishes connection to S3
func (s *S3Storage) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.s3Client != nil {
		return nil
	}

	awsConfig := &aws.Config{
		Region:     aws.String(s.config.Region),
		MaxRetries: aws.Int(s.config.MaxRetries),
	}

	if s.config.AccessKeyID != "" && s.config.SecretAccessKey != "" {
		awsConfig.Credentials = credentials.NewStaticCredentials(
			s.config.AccessKeyID,
			s.config.SecretAccessKey,
			s.config.SessionToken,
		)
	}

	// S3-compatible services
	if s.config.Endpoint != "" {
		awsConfig.Endpoint = aws.String(s.config.Endpoint)
		awsConfig.S3ForcePathStyle = aws.Bool(s.config.ForcePathStyle)
	}

	if s.config.DisableSSL {
		awsConfig.DisableSSL = aws.Bool(true)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeConnectionFailed, "Failed to create AWS session")
	}

	client := s3.New(sess)
	if _, err := client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.config.Bucket),
	}); err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeConnectionFailed,
			fmt.Sprintf("Failed to access bucket '%s'", s.config.Bucket))
	}

	s.s3Client = client
	s.uploader = s3manager.NewUploader(sess)
	s.downloader = s3manager.NewDownloader(sess)
	if s.config.PartSize > 0 {
		s.uploader.PartSize = s.config.PartSize
	}
	s.closed = false

	s.logger.WithFields(logrus.Fields{
		"region": s.config.Region,
		"bucket": s.config.Bucket,
	}).Info("Connected to S3")

	return nil
}

// Close closes the S3 connection
func (s *S3Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.s3Client = nil
	s.uploader = nil
	s.downloader = nil
	s.closed = true

	s.logger.Info("S3 connection closed")
	return nil
}

// Ping tests the S3 connection
func (s *S3Storage) Ping(ctx context.Context) error {
	client, err := s.client()
	if err != nil {
		return err
	}

	if _, err := client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.config.Bucket),
	}); err != nil {
		s.incrementErrorCount()
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeConnectionFailed, "S3 ping failed")
	}
	return nil
}

// GetInfo returns information about the S3 storage
func (s *S3Storage) GetInfo(ctx context.Context) (*interfaces.StorageInfo, error) {
	features := []string{s.config.Format, "multipart upload"}
	if s.config.UseCompression {
		features = append(features, "gzip")
	}

	return &interfaces.StorageInfo{
		Type:        "s3",
		Version:     "2006-03-01",
		Name:        "Amazon S3 Storage",
		Description: "Synthetic trajectory runs stored as S3 objects",
		Features:    features,
		Metrics:     s.snapshotMetrics(),
	}, nil
}

// WriteTrajectories encodes the run with the configured format and uploads it to
// <prefix>/runs/<runID>/trajectories.<format>.
func (s *S3Storage) WriteTrajectories(ctx context.Context, runID string, data models.TrajectorySet) error {
	if _, err := s.client(); err != nil {
		return err
	}
	if runID == "" {
		return errors.NewValidationError(errors.CodeMissingField, "run id is required")
	}

	start := time.Now()
	format := export.ExportFormat(s.config.Format)

	var buf bytes.Buffer
	var w io.Writer = &buf
	var gz *gzip.Writer
	if s.config.UseCompression {
		gz = gzip.NewWriter(&buf)
		w = gz
	}
	if err := s.engine.ExportTrajectories(ctx, data, format, w, export.ExportOptions{IncludeHeaders: true}); err != nil {
		s.incrementErrorCount()
		return err
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			s.incrementErrorCount()
			return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "Failed to compress data")
		}
	}
	size := int64(buf.Len())

	s.mu.RLock()
	uploader := s.uploader
	s.mu.RUnlock()

	input := &s3manager.UploadInput{
		Bucket:      aws.String(s.config.Bucket),
		Key:         aws.String(s.generateKey(runID)),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String(export.ContentType(format)),
		Metadata: map[string]*string{
			"run-id":       aws.String(runID),
			"trajectories": aws.String(fmt.Sprintf("%d", data.Len())),
			"points":       aws.String(fmt.Sprintf("%d", data.PointCount())),
		},
	}
	if s.config.UseCompression {
		input.ContentEncoding = aws.String("gzip")
	}
	if s.config.StorageClass != "" {
		input.StorageClass = aws.String(s.config.StorageClass)
	}

	if _, err := uploader.UploadWithContext(ctx, input); err != nil {
		s.incrementErrorCount()
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "Failed to upload to S3")
	}

	s.incrementWriteOps(size)
	s.logger.WithFields(logrus.Fields{
		"run_id":   runID,
		"bytes":    size,
		"duration": time.Since(start),
	}).Debug("Uploaded run to S3")
	return nil
}

// ReadTrajectories downloads a run written in the dat format.
func (s *S3Storage) ReadTrajectories(ctx context.Context, runID string) (models.TrajectorySet, error) {
	if _, err := s.client(); err != nil {
		return nil, err
	}
	if s.config.Format != string(export.FormatDat) {
		return nil, errors.NewStorageError(errors.CodeUnsupportedType,
			fmt.Sprintf("reading %s objects is not supported", s.config.Format))
	}

	s.mu.RLock()
	downloader := s.downloader
	s.mu.RUnlock()

	buf := aws.NewWriteAtBuffer([]byte{})
	if _, err := downloader.DownloadWithContext(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(s.generateKey(runID)),
	}); err != nil {
		s.incrementErrorCount()
		if aerr, ok := err.(awserr.Error); ok && aerr.Code() == s3.ErrCodeNoSuchKey {
			return nil, errors.WrapError(errors.ErrStorageReadFailed, errors.ErrorTypeStorage, errors.CodeReadFailed,
				fmt.Sprintf("run %s not found", runID))
		}
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "Failed to download from S3")
	}

	var r io.Reader = bytes.NewReader(buf.Bytes())
	if s.config.UseCompression {
		gz, err := gzip.NewReader(r)
		if err != nil {
			s.incrementErrorCount()
			return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "Failed to decompress data")
		}
		defer gz.Close()
		r = gz
	}

	set, err := file.ParseDat(r)
	if err != nil {
		s.incrementErrorCount()
		return nil, err
	}

	s.incrementReadOps(int64(len(buf.Bytes())))
	return set, nil
}

// ListRuns returns the ids of all runs below the prefix, sorted.
func (s *S3Storage) ListRuns(ctx context.Context) ([]string, error) {
	client, err := s.client()
	if err != nil {
		return nil, err
	}

	var runs []string
	err = client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.config.Bucket),
		Prefix: aws.String(s.runsPrefix()),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			if id := s.extractRunIDFromKey(aws.StringValue(obj.Key)); id != "" {
				runs = append(runs, id)
			}
		}
		return true
	})
	if err != nil {
		s.incrementErrorCount()
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "Failed to list S3 objects")
	}

	sort.Strings(runs)
	return runs, nil
}

// Helper methods

func (s *S3Storage) client() (*s3.S3, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed || s.s3Client == nil {
		return nil, errors.WrapError(errors.ErrStorageConnectionFailed, errors.ErrorTypeStorage,
			errors.CodeConnectionFailed, "S3 not connected")
	}
	return s.s3Client, nil
}

func (s *S3Storage) runsPrefix() string {
	return path.Join(s.config.Prefix, "runs") + "/"
}

func (s *S3Storage) generateKey(runID string) string {
	name := objectName + "." + s.config.Format
	if s.config.UseCompression {
		name += ".gz"
	}
	return path.Join(s.config.Prefix, "runs", runID, name)
}

// extractRunIDFromKey parses keys like "prefix/runs/<id>/trajectories.dat".
func (s *S3Storage) extractRunIDFromKey(key string) string {
	rest := strings.TrimPrefix(key, s.runsPrefix())
	if rest == key {
		return ""
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || !strings.HasPrefix(parts[1], objectName+".") {
		return ""
	}
	return parts[0]
}

func (s *S3Storage) snapshotMetrics() *interfaces.StorageMetrics {
	s.metrics.mu.Lock()
	defer s.metrics.mu.Unlock()

	return &interfaces.StorageMetrics{
		ReadOperations:  s.metrics.readOps,
		WriteOperations: s.metrics.writeOps,
		ErrorCount:      s.metrics.errorCount,
		BytesRead:       s.metrics.bytesRead,
		BytesWritten:    s.metrics.bytesWritten,
	}
}

func (s *S3Storage) incrementReadOps(bytes int64) {
	s.metrics.mu.Lock()
	s.metrics.readOps++
	s.metrics.bytesRead += bytes
	s.metrics.mu.Unlock()
}

func (s *S3Storage) incrementWriteOps(bytes int64) {
	s.metrics.mu.Lock()
	s.metrics.writeOps++
	s.metrics.bytesWritten += bytes
	s.metrics.mu.Unlock()
}

func (s *S3Storage) incrementErrorCount() {
	s.metrics.mu.Lock()
	s.metrics.errorCount++
	s.metrics.mu.Unlock()
}
