// Package reader queries a dataset's published event files through embedded
// DuckDB. The current version's files are exposed as a view named "events";
// callers either take the default preview query or bring their own SQL.
package reader

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/serieslake-io/serieslake/internal/catalog"
)

// DefaultLimit caps the default preview query.
const DefaultLimit = 100

// S3Options configures DuckDB's S3 secret. Empty credentials fall back to
// the provider chain (env vars, instance roles).
type S3Options struct {
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string // e.g. "http://localhost:9000" for MinIO, empty for AWS
	Region          string
}

// Config wires a Reader.
type Config struct {
	Logger  *slog.Logger
	Catalog *catalog.Catalog
	Bucket  string
	S3      S3Options
}

func (c *Config) Validate() error {
	if c.Catalog == nil {
		return errors.New("catalog is required")
	}
	if c.Bucket == "" {
		return errors.New("bucket is required")
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return nil
}

type Reader struct {
	log    *slog.Logger
	cat    *catalog.Catalog
	bucket string
	s3     S3Options
}

func New(cfg Config) (*Reader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Reader{log: cfg.Logger, cat: cfg.Catalog, bucket: cfg.Bucket, s3: cfg.S3}, nil
}

// QueryOptions tweaks one query.
type QueryOptions struct {
	// SQL replaces the default preview query; the event files are available
	// as the "events" view.
	SQL string
	// Limit caps the default preview query; ignored when SQL is set.
	Limit int
}

// Result is a rendered query result: every value already formatted for
// display.
type Result struct {
	Columns []string
	Rows    [][]string
}

// Query resolves the dataset's current version and runs one query over its
// event files.
func (r *Reader) Query(ctx context.Context, datasetID string, opts QueryOptions) (*Result, error) {
	current, err := r.cat.ReadCurrentManifest(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, fmt.Errorf("dataset %q has no published version", datasetID)
	}
	if len(current.Outputs.Files) == 0 {
		return nil, fmt.Errorf("version %s of dataset %q has no event files", current.Version, datasetID)
	}

	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("failed to open duckdb: %w", err)
	}
	defer db.Close()

	if err := r.configureS3(ctx, db); err != nil {
		return nil, err
	}

	uris := eventFileURIs(r.bucket, current.Outputs.Files)
	if _, err := db.ExecContext(ctx, eventsViewSQL(uris)); err != nil {
		return nil, fmt.Errorf("failed to create events view: %w", err)
	}

	q := opts.SQL
	if q == "" {
		q = defaultQuery(opts.Limit)
	}
	r.log.Debug("running query", "dataset", datasetID, "version", current.Version, "files", len(uris), "sql", q)

	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	return collectRows(rows)
}

// configureS3 loads httpfs and registers the S3 secret the way the query
// engine expects it: endpoint without scheme, path-style addressing for
// custom endpoints, credential chain when no static keys are configured.
func (r *Reader) configureS3(ctx context.Context, db *sql.DB) error {
	extensions := []string{"httpfs"}
	if r.s3.AccessKeyID == "" || r.s3.SecretAccessKey == "" {
		extensions = append(extensions, "aws")
	}
	for _, ext := range extensions {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("INSTALL '%s'", ext)); err != nil {
			return fmt.Errorf("failed to install extension %s: %w", ext, err)
		}
		if _, err := db.ExecContext(ctx, fmt.Sprintf("LOAD '%s'", ext)); err != nil {
			return fmt.Errorf("failed to load extension %s: %w", ext, err)
		}
	}
	if _, err := db.ExecContext(ctx, secretSQL(r.s3)); err != nil {
		return fmt.Errorf("failed to create s3 secret: %w", err)
	}
	return nil
}

func secretSQL(s3 S3Options) string {
	var sb strings.Builder
	sb.WriteString("CREATE SECRET IF NOT EXISTS serieslake_s3 (TYPE s3")
	if s3.AccessKeyID != "" && s3.SecretAccessKey != "" {
		fmt.Fprintf(&sb, ", KEY_ID '%s'", escapeSQL(s3.AccessKeyID))
		fmt.Fprintf(&sb, ", SECRET '%s'", escapeSQL(s3.SecretAccessKey))
	} else {
		sb.WriteString(", PROVIDER credential_chain")
	}
	if s3.Endpoint != "" {
		// DuckDB's S3 secret ENDPOINT wants host:port, not a URL.
		endpoint := strings.TrimPrefix(strings.TrimPrefix(s3.Endpoint, "http://"), "https://")
		fmt.Fprintf(&sb, ", ENDPOINT '%s'", escapeSQL(endpoint))
		sb.WriteString(", URL_STYLE 'path'")
		fmt.Fprintf(&sb, ", USE_SSL %t", strings.HasPrefix(s3.Endpoint, "https://"))
	}
	if s3.Region != "" {
		fmt.Fprintf(&sb, ", REGION '%s'", escapeSQL(s3.Region))
	}
	sb.WriteString(")")
	return sb.String()
}

func eventFileURIs(bucket string, keys []string) []string {
	uris := make([]string, len(keys))
	for i, key := range keys {
		uris[i] = fmt.Sprintf("s3://%s/%s", bucket, key)
	}
	return uris
}

func eventsViewSQL(uris []string) string {
	quoted := make([]string, len(uris))
	for i, uri := range uris {
		quoted[i] = "'" + escapeSQL(uri) + "'"
	}
	return fmt.Sprintf("CREATE VIEW events AS SELECT * FROM read_parquet([%s])", strings.Join(quoted, ", "))
}

func defaultQuery(limit int) string {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return fmt.Sprintf("SELECT * FROM events ORDER BY obs_time LIMIT %d", limit)
}

func escapeSQL(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

func collectRows(rows *sql.Rows) (*Result, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}
	res := &Result{Columns: cols}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		rendered := make([]string, len(cols))
		for i, v := range values {
			rendered[i] = renderValue(v)
		}
		res.Rows = append(res.Rows, rendered)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

func renderValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}
