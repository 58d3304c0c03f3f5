package r2

import (
	"context"
	"database/sql"
	"encoding/json"
)

type httpMetaRow struct {
	ContentType        string `json:"contentType,omitempty"`
	ContentEncoding    string `json:"contentEncoding,omitempty"`
	ContentDisposition string `json:"contentDisposition,omitempty"`
	ContentLanguage    string `json:"contentLanguage,omitempty"`
	CacheControl       string `json:"cacheControl,omitempty"`
	CacheExpiry        int64  `json:"cacheExpiry,omitempty"`
}

func toRow(m HTTPMetadata) httpMetaRow {
	return httpMetaRow{m.ContentType, m.ContentEncoding, m.ContentDisposition, m.ContentLanguage, m.CacheControl, m.CacheExpiry}
}

func fromRow(r httpMetaRow) HTTPMetadata {
	return HTTPMetadata{r.ContentType, r.ContentEncoding, r.ContentDisposition, r.ContentLanguage, r.CacheControl, r.CacheExpiry}
}

// Head returns the current ObjectEntry metadata for key, without body.
func (g *Gateway) Head(ctx context.Context, key string) (*ObjectEntry, error) {
	return g.lookup(ctx, key)
}

func (g *Gateway) lookup(ctx context.Context, key string) (*ObjectEntry, error) {
	row := g.db.QueryRowContext(ctx, `SELECT version, size, etag, uploaded, http_metadata, custom_metadata, checksums, storage_class
		FROM r2_objects WHERE bucket = ? AND key = ?`, g.bucket, key)
	var e ObjectEntry
	e.Key = key
	var httpJSON, customJSON, checksumJSON, storageClass sql.NullString
	if err := row.Scan(&e.Version, &e.Size, &e.ETag, &e.Uploaded, &httpJSON, &customJSON, &checksumJSON, &storageClass); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, Error.Wrap(err)
	}
	if httpJSON.Valid {
		var r httpMetaRow
		_ = json.Unmarshal([]byte(httpJSON.String), &r)
		e.HTTPMetadata = fromRow(r)
	}
	if customJSON.Valid {
		_ = json.Unmarshal([]byte(customJSON.String), &e.CustomMetadata)
	}
	if checksumJSON.Valid {
		_ = json.Unmarshal([]byte(checksumJSON.String), &e.Checksums)
	}
	e.StorageClass = storageClass.String
	return &e, nil
}

func (g *Gateway) blobID(ctx context.Context, key string) (string, error) {
	row := g.db.QueryRowContext(ctx, `SELECT blob_id FROM r2_objects WHERE bucket = ? AND key = ?`, g.bucket, key)
	var id string
	if err := row.Scan(&id); err != nil {
		return "", Error.Wrap(err)
	}
	return id, nil
}

// GetResult pairs an ObjectEntry with its body for Get.
type GetResult struct {
	Entry ObjectEntry
	Body  []byte
}

// Get reads key's body (optionally ranged) after evaluating onlyIf.
func (g *Gateway) Get(ctx context.Context, key string, cond Conditions, rng *ByteRange) (*GetResult, *PreconditionFailedError, error) {
	current, err := g.lookup(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	if !evaluateConditions(cond, current) {
		return nil, &PreconditionFailedError{Prior: current}, nil
	}
	if current == nil {
		return nil, nil, nil
	}

	blobID, err := g.blobID(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	body, err := g.blobs.Get(ctx, blobID)
	if err != nil {
		return nil, nil, Error.Wrap(err)
	}
	if rng != nil {
		offset, length, err := rng.resolve(int64(len(body)))
		if err != nil {
			return nil, nil, err
		}
		body = body[offset : offset+length]
	}
	return &GetResult{Entry: *current, Body: body}, nil, nil
}

// ByteRange mirrors kvstore.RangeSpec for R2's own {offset, length,
// suffix} get({range}) option (section 4.5).
type ByteRange struct {
	Offset *int64
	Length *int64
	Suffix *int64
}

func (r ByteRange) resolve(size int64) (int64, int64, error) {
	if r.Suffix != nil {
		s := *r.Suffix
		if s <= 0 {
			return 0, 0, Error.New("Suffix must be > 0")
		}
		if s > size {
			s = size
		}
		return size - s, s, nil
	}
	offset := int64(0)
	if r.Offset != nil {
		offset = *r.Offset
	}
	length := size - offset
	if r.Length != nil {
		length = *r.Length
	}
	if offset+length > size {
		length = size - offset
	}
	return offset, length, nil
}

// PutOptions bundles the optional put(key, body, {...}) fields of
// section 4.5.
type PutOptions struct {
	HTTPMetadata   HTTPMetadata
	CustomMetadata map[string]string
	OnlyIf         Conditions
	Hashes         Checksums
}

// Put stores body under key, evaluating conditions and hash digests.
func (g *Gateway) Put(ctx context.Context, key string, body []byte, opts PutOptions) (*ObjectEntry, *PreconditionFailedError, error) {
	if err := ValidateObjectKey(key); err != nil {
		return nil, nil, err
	}
	if int64(len(body)) > maxObjectSize {
		return nil, nil, Error.New("EntityTooLarge: body of %s exceeds the 5 GB limit", humanBytes(int64(len(body))))
	}
	if n := customMetadataSize(opts.CustomMetadata); n > maxCustomMetaBytes {
		return nil, nil, Error.New("MetadataTooLarge: custom metadata is %d bytes, limit is %d", n, maxCustomMetaBytes)
	}

	current, err := g.lookup(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	if !evaluateConditions(opts.OnlyIf, current) {
		return nil, &PreconditionFailedError{Prior: current}, nil
	}

	if err := verifyDigests(opts.Hashes, body); err != nil {
		return nil, nil, err
	}

	blobID := newUUID()
	if err := g.blobs.Put(ctx, blobID, body); err != nil {
		return nil, nil, Error.Wrap(err)
	}

	entry := ObjectEntry{
		Key:            key,
		Version:        newUUID(),
		Size:           int64(len(body)),
		ETag:           md5Hex(body),
		Uploaded:       g.clock(),
		HTTPMetadata:   opts.HTTPMetadata,
		CustomMetadata: opts.CustomMetadata,
		Checksums:      computeChecksums(opts.Hashes, body),
		StorageClass:   "Standard",
	}

	if err := g.upsert(ctx, entry, blobID); err != nil {
		_ = g.blobs.Delete(ctx, blobID) // sweep the orphan blob on failure
		return nil, nil, err
	}
	return &entry, nil, nil
}

func (g *Gateway) upsert(ctx context.Context, e ObjectEntry, blobID string) error {
	httpJSON, _ := json.Marshal(toRow(e.HTTPMetadata))
	customJSON, _ := json.Marshal(e.CustomMetadata)
	checksumJSON, _ := json.Marshal(e.Checksums)
	_, err := g.db.ExecContext(ctx, `INSERT INTO r2_objects
		(bucket, key, version, blob_id, size, etag, uploaded, http_metadata, custom_metadata, checksums, storage_class)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(bucket, key) DO UPDATE SET
			version = excluded.version, blob_id = excluded.blob_id, size = excluded.size, etag = excluded.etag,
			uploaded = excluded.uploaded, http_metadata = excluded.http_metadata,
			custom_metadata = excluded.custom_metadata, checksums = excluded.checksums, storage_class = excluded.storage_class`,
		g.bucket, e.Key, e.Version, blobID, e.Size, e.ETag, e.Uploaded, string(httpJSON), string(customJSON), string(checksumJSON), e.StorageClass)
	return Error.Wrap(err)
}

// Delete removes one or more keys.
func (g *Gateway) Delete(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		blobID, err := g.blobID(ctx, key)
		if err != nil {
			continue // absent key: no-op
		}
		if _, err := g.db.ExecContext(ctx, `DELETE FROM r2_objects WHERE bucket = ? AND key = ?`, g.bucket, key); err != nil {
			return Error.Wrap(err)
		}
		_ = g.blobs.Delete(ctx, blobID)
	}
	return nil
}

func verifyDigests(want Checksums, body []byte) error {
	checks := []struct {
		name, want, got string
	}{
		{"MD5", want.MD5, md5Hex(body)},
	}
	if want.SHA1 != "" {
		checks = append(checks, struct{ name, want, got string }{"SHA-1", want.SHA1, sha1Hex(body)})
	}
	if want.SHA256 != "" {
		checks = append(checks, struct{ name, want, got string }{"SHA-256", want.SHA256, sha256Hex(body)})
	}
	if want.SHA384 != "" {
		checks = append(checks, struct{ name, want, got string }{"SHA-384", want.SHA384, sha384Hex(body)})
	}
	if want.SHA512 != "" {
		checks = append(checks, struct{ name, want, got string }{"SHA-512", want.SHA512, sha512Hex(body)})
	}
	for _, c := range checks {
		if c.want == "" {
			continue
		}
		if c.want != c.got {
			return Error.New("BadDigest: %s digest mismatch, expected %s got %s", c.name, c.want, c.got)
		}
	}
	return nil
}

func computeChecksums(want Checksums, body []byte) Checksums {
	out := Checksums{MD5: md5Hex(body)}
	if want.SHA1 != "" {
		out.SHA1 = sha1Hex(body)
	}
	if want.SHA256 != "" {
		out.SHA256 = sha256Hex(body)
	}
	if want.SHA384 != "" {
		out.SHA384 = sha384Hex(body)
	}
	if want.SHA512 != "" {
		out.SHA512 = sha512Hex(body)
	}
	return out
}
