package sink

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/pgzip"
)

// S3TailConfig configures the optional post-transfer upload of a completed
// PCAP file, supplementing the core pipeline (which has no compression or
// cloud-storage Non-goal violation — this runs strictly after the disk sink
// has closed, over the finished file on disk).
type S3TailConfig struct {
	Bucket   string
	Key      string
	Compress bool
}

// UploadPCAPFile uploads path to S3 per cfg, after the disk sink has fully
// closed. When cfg.Compress is set the file is gzipped with pgzip before
// upload and ".gz" is appended to the object key.
func UploadPCAPFile(ctx context.Context, path string, cfg S3TailConfig, logger *slog.Logger) error {
	logger = logger.With("component", "s3_tail", "bucket", cfg.Bucket, "key", cfg.Key)

	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return fmt.Errorf("s3 tail: loading AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("s3 tail: opening %s: %w", path, err)
	}
	defer f.Close()

	key := cfg.Key
	var body io.Reader = f
	if cfg.Compress {
		key += ".gz"
		pr, pw := io.Pipe()
		gz := pgzip.NewWriter(pw)
		go func() {
			_, copyErr := io.Copy(gz, f)
			closeErr := gz.Close()
			if copyErr != nil {
				pw.CloseWithError(copyErr)
				return
			}
			pw.CloseWithError(closeErr)
		}()
		body = pr
	}

	logger.Info("s3 tail: starting upload", "compressed", cfg.Compress)
	if _, err := client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(cfg.Bucket),
		Key:    aws.String(key),
		Body:   body,
	}); err != nil {
		return fmt.Errorf("s3 tail: PutObject: %w", err)
	}

	logger.Info("s3 tail: upload complete")
	return nil
}
