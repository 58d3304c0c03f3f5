// Package r2 implements the R2-style Object Store Gateway of section
// 4.5: a blob store with conditional puts, multipart uploads, and HTTP
// metadata, backed by a blob store for bodies and an embedded SQL
// database for metadata (section 4.5 "Storage layout").
package r2

import (
	"context"
	"database/sql"
	"time"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	uuid "github.com/satori/go.uuid"
	"github.com/zeebo/errs"

	"github.com/cloudflare/miniflare-sub008/internal/kvstore"
)

// Error is the class for R2 gateway failures.
var Error = errs.Class("r2")

const (
	maxObjectSize        = 5 * 1000 * 1000 * 1000 // ~5 GB, section 4.5
	maxCustomMetaBytes   = 2048
	minMultipartPartSize = 5 * 1024 * 1024
)

// HTTPMetadata mirrors section 3's ObjectEntry.httpMetadata.
type HTTPMetadata struct {
	ContentType        string
	ContentEncoding    string
	ContentDisposition string
	ContentLanguage    string
	CacheControl       string
	CacheExpiry        int64
}

// Checksums records any of MD5/SHA-1/SHA-256/SHA-384/SHA-512 provided
// at put time.
type Checksums struct {
	MD5    string
	SHA1   string
	SHA256 string
	SHA384 string
	SHA512 string
}

// ObjectEntry is section 3's ObjectEntry.
type ObjectEntry struct {
	Key            string
	Version        string
	Size           int64
	ETag           string
	Uploaded       int64 // unix-ms
	HTTPMetadata   HTTPMetadata
	CustomMetadata map[string]string
	Checksums      Checksums
	StorageClass   string
}

// Conditions is the onlyIf bundle of section 4.5.
type Conditions struct {
	EtagMatches        string
	EtagDoesNotMatch   string
	UnmodifiedSince    *time.Time
	ModifiedSince      *time.Time
	SecondsGranularity bool
}

// PreconditionFailedError carries the prior metadata per section 4.5/7.
type PreconditionFailedError struct {
	Prior *ObjectEntry
}

func (e *PreconditionFailedError) Error() string { return "PreconditionFailed" }

// BlobStore is the content-addressed blob backend objects bodies live
// in (section 4.5 "blobs in a blob store keyed by a random uuid").
type BlobStore interface {
	Put(ctx context.Context, id string, data []byte) error
	Get(ctx context.Context, id string) ([]byte, error)
	Delete(ctx context.Context, id string) error
}

// Gateway is one R2 bucket.
type Gateway struct {
	bucket string
	db     *sql.DB
	blobs  BlobStore
	clock  kvstore.Clock
}

// New constructs an R2 Gateway. db must already have the object/parts
// tables (see Migrate).
func New(bucket string, db *sql.DB, blobs BlobStore, clock kvstore.Clock) *Gateway {
	return &Gateway{bucket: bucket, db: db, blobs: blobs, clock: clock}
}

// Migrate creates the metadata tables this gateway needs.
func Migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS r2_objects (
			bucket TEXT NOT NULL,
			key TEXT NOT NULL,
			version TEXT NOT NULL,
			blob_id TEXT NOT NULL,
			size INTEGER NOT NULL,
			etag TEXT NOT NULL,
			uploaded INTEGER NOT NULL,
			http_metadata TEXT,
			custom_metadata TEXT,
			checksums TEXT,
			storage_class TEXT,
			PRIMARY KEY (bucket, key)
		);
		CREATE TABLE IF NOT EXISTS r2_multipart_uploads (
			bucket TEXT NOT NULL,
			upload_id TEXT NOT NULL,
			key TEXT NOT NULL,
			http_metadata TEXT,
			custom_metadata TEXT,
			state TEXT NOT NULL,
			PRIMARY KEY (bucket, upload_id)
		);
		CREATE TABLE IF NOT EXISTS r2_multipart_parts (
			bucket TEXT NOT NULL,
			upload_id TEXT NOT NULL,
			part_number INTEGER NOT NULL,
			blob_id TEXT NOT NULL,
			etag TEXT NOT NULL,
			size INTEGER NOT NULL,
			PRIMARY KEY (bucket, upload_id, part_number)
		);
	`)
	return Error.Wrap(err)
}

// ValidateObjectKey enforces section 4.5's InvalidObjectName rule.
func ValidateObjectKey(key string) error {
	if len(key) == 0 || len(key) > 1024 {
		return Error.New("InvalidObjectName: key must be 1..1024 bytes")
	}
	if !utf8.ValidString(key) {
		return Error.New("InvalidObjectName: key must be valid UTF-8 without unpaired surrogates")
	}
	return nil
}

// customMetadataSize counts bytes the way section 4.5 specifies: 2
// bytes per code unit if any code unit in the whole tree is >= 256,
// else 1 byte per code unit.
func customMetadataSize(m map[string]string) int {
	wide := false
	scan := func(s string) {
		for _, r := range s {
			for _, u := range utf16.Encode([]rune{r}) {
				if u >= 256 {
					wide = true
				}
			}
		}
	}
	for k, v := range m {
		scan(k)
		scan(v)
	}
	count := func(s string) int {
		n := 0
		for range utf16.Encode([]rune(s)) {
			n++
		}
		if wide {
			return n * 2
		}
		return n
	}
	total := 0
	for k, v := range m {
		total += count(k) + count(v)
	}
	return total
}

func newUUID() string {
	return uuid.NewV4().String()
}

// humanBytes is used in EntityTooLarge error text (section 4.5
// "include algorithm name and both digests" uses exact digests; size
// errors read more naturally in human units, grounded on the
// teacher's use of go-humanize for byte-count error text).
func humanBytes(n int64) string {
	return humanize.Bytes(uint64(n))
}
