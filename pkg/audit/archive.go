package audit

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/hearth/pkg/observability"
)

// DefaultArchiveBatch is the number of events written per object
const DefaultArchiveBatch = 1000

var tracer = otel.Tracer("github.com/platinummonkey/hearth/pkg/audit")

// ObjectPutter is the part of the S3 API the archiver needs. *s3.Client
// satisfies it.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ArchiveResult summarizes one Archive run
type ArchiveResult struct {
	Archived int
	Objects  []string
}

// Archiver moves audit events older than a retention window out of Postgres
// and into an object store as newline delimited JSON.
type Archiver struct {
	db        *sql.DB
	putter    ObjectPutter
	bucket    string
	prefix    string
	batchSize int
	now       func() time.Time
	logger    *observability.Logger
}

// ArchiverOption configures an Archiver
type ArchiverOption func(*Archiver)

// WithArchivePrefix sets the object key prefix (default "audit")
func WithArchivePrefix(prefix string) ArchiverOption {
	return func(a *Archiver) { a.prefix = prefix }
}

// WithArchiveBatch sets how many events go into one object
func WithArchiveBatch(n int) ArchiverOption {
	return func(a *Archiver) {
		if n > 0 {
			a.batchSize = n
		}
	}
}

// WithArchiveLogger sets the logger
func WithArchiveLogger(logger *observability.Logger) ArchiverOption {
	return func(a *Archiver) { a.logger = logger }
}

// WithArchiveClock overrides time.Now, for tests
func WithArchiveClock(now func() time.Time) ArchiverOption {
	return func(a *Archiver) { a.now = now }
}

// NewArchiver creates an archiver writing to bucket
func NewArchiver(db *sql.DB, putter ObjectPutter, bucket string, opts ...ArchiverOption) (*Archiver, error) {
	if db == nil {
		return nil, errors.New("database connection is required")
	}
	if putter == nil || bucket == "" {
		return nil, errors.New("an object store and bucket are required")
	}
	a := &Archiver{
		db:        db,
		putter:    putter,
		bucket:    bucket,
		prefix:    "audit",
		batchSize: DefaultArchiveBatch,
		now:       time.Now,
		logger:    observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.WithField("component", "audit_archive")
	return a, nil
}

// Archive uploads every event older than retention and deletes the uploaded
// rows. Each batch is uploaded before its rows are deleted in the same
// transaction, so a failed run leaves the rows in place and a retry rewrites
// the same object key.
func (a *Archiver) Archive(ctx context.Context, retention time.Duration) (*ArchiveResult, error) {
	if retention <= 0 {
		return nil, fmt.Errorf("retention must be positive, got %s", retention)
	}
	cutoff := a.now().UTC().Add(-retention)

	ctx, span := tracer.Start(ctx, "audit.Archive",
		trace.WithAttributes(
			attribute.String("s3.bucket", a.bucket),
			attribute.String("audit.cutoff", cutoff.Format(time.RFC3339)),
		),
	)
	defer span.End()

	result := &ArchiveResult{}
	for {
		key, n, err := a.archiveBatch(ctx, cutoff)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "archive failed")
			return result, err
		}
		if n == 0 {
			break
		}
		result.Archived += n
		result.Objects = append(result.Objects, key)
		a.logger.WithFields(map[string]any{"key": key, "events": n}).Info("archived audit events")
		if n < a.batchSize {
			break
		}
	}

	span.SetAttributes(attribute.Int("audit.archived", result.Archived))
	span.SetStatus(codes.Ok, "")
	return result, nil
}

func (a *Archiver) archiveBatch(ctx context.Context, cutoff time.Time) (string, int, error) {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return "", 0, fmt.Errorf("failed to begin archive transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		"SELECT "+eventColumns+" FROM audit_events WHERE timestamp < $1 ORDER BY id LIMIT $2 FOR UPDATE SKIP LOCKED",
		cutoff, a.batchSize)
	if err != nil {
		return "", 0, fmt.Errorf("failed to select audit events: %w", err)
	}
	var (
		buf bytes.Buffer
		ids []int64
	)
	enc := json.NewEncoder(&buf)
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			rows.Close()
			return "", 0, err
		}
		if err := enc.Encode(e); err != nil {
			rows.Close()
			return "", 0, fmt.Errorf("failed to encode audit event %d: %w", e.ID, err)
		}
		ids = append(ids, e.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return "", 0, fmt.Errorf("failed to read audit events: %w", err)
	}
	if len(ids) == 0 {
		return "", 0, nil
	}

	key := a.objectKey(cutoff, ids[0], ids[len(ids)-1])
	if err := a.put(ctx, key, buf.Bytes()); err != nil {
		return "", 0, err
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM audit_events WHERE id = ANY($1)", pq.Array(ids)); err != nil {
		return "", 0, fmt.Errorf("failed to delete archived audit events: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", 0, fmt.Errorf("failed to commit archive transaction: %w", err)
	}
	return key, len(ids), nil
}

func (a *Archiver) objectKey(cutoff time.Time, firstID, lastID int64) string {
	return path.Join(a.prefix, cutoff.Format("2006/01/02"), fmt.Sprintf("audit-%d-%d.jsonl", firstID, lastID))
}

func (a *Archiver) put(ctx context.Context, key string, data []byte) error {
	hash := sha256.Sum256(data)
	_, err := a.putter.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/x-ndjson"),
		Metadata: map[string]string{
			"checksum-sha256": hex.EncodeToString(hash[:]),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return nil
}
