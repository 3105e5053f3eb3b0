package browser_pool

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"go.uber.org/zap"

	"agent/logger"
	"agent/services/browser_pool/slot"
)

// DiagnosticsExporter uploads a snapshot of every slot to S3 on
// shutdown, for post-mortem debugging. It is best-effort: a failed
// upload is logged and otherwise ignored, never blocking shutdown.
type DiagnosticsExporter struct {
	client *s3.S3
	bucket string
	prefix string
}

// NewDiagnosticsExporter builds an exporter against the default AWS
// session / credential chain.
func NewDiagnosticsExporter(bucket, prefix string) (*DiagnosticsExporter, error) {
	sess, err := session.NewSession()
	if err != nil {
		return nil, fmt.Errorf("diagnostics exporter: %w", err)
	}
	return &DiagnosticsExporter{client: s3.New(sess), bucket: bucket, prefix: prefix}, nil
}

// Export writes a JSON snapshot of slots to
// s3://bucket/prefix/<timestamp>.json.
func (e *DiagnosticsExporter) Export(slots []slot.Slot) {
	if e == nil || e.client == nil {
		return
	}

	payload, err := json.MarshalIndent(slots, "", "  ")
	if err != nil {
		logger.Warn("diagnostics export marshal failed", zap.Error(err))
		return
	}

	key := fmt.Sprintf("%s/%s.json", e.prefix, time.Now().UTC().Format(time.RFC3339))
	_, err = e.client.PutObject(&s3.PutObjectInput{
		Bucket: aws.String(e.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(payload),
	})
	if err != nil {
		logger.Warn("diagnostics export upload failed", zap.String("key", key), zap.Error(err))
		return
	}
	logger.Info("diagnostics snapshot exported", zap.String("key", key), zap.Int("slots", len(slots)))
}
