package r2

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
)

// CompletedPart is one entry of the completeMultipartUpload() parts list.
type CompletedPart struct {
	PartNumber int
	ETag       string
}

// CreateMultipartUpload begins a multipart upload for key, returning the
// upload id the caller passes to every subsequent part call.
func (g *Gateway) CreateMultipartUpload(ctx context.Context, key string, opts PutOptions) (string, error) {
	if err := ValidateObjectKey(key); err != nil {
		return "", err
	}
	if n := customMetadataSize(opts.CustomMetadata); n > maxCustomMetaBytes {
		return "", Error.New("MetadataTooLarge: custom metadata is %d bytes, limit is %d", n, maxCustomMetaBytes)
	}
	uploadID := newUUID()
	httpJSON, _ := json.Marshal(toRow(opts.HTTPMetadata))
	customJSON, _ := json.Marshal(opts.CustomMetadata)
	_, err := g.db.ExecContext(ctx, `INSERT INTO r2_multipart_uploads (bucket, upload_id, key, http_metadata, custom_metadata, state)
		VALUES (?, ?, ?, ?, ?, 'pending')`, g.bucket, uploadID, key, string(httpJSON), string(customJSON))
	if err != nil {
		return "", Error.Wrap(err)
	}
	return uploadID, nil
}

// UploadPart stores one part's body, keyed by part number. Section 4.5
// requires every part but the last be at least 5 MiB; that rule is
// enforced at complete time, once the final part count is known.
func (g *Gateway) UploadPart(ctx context.Context, key, uploadID string, partNumber int, body []byte) (string, error) {
	if err := g.requireUpload(ctx, key, uploadID); err != nil {
		return "", err
	}
	return g.storePart(ctx, uploadID, partNumber, body)
}

// UploadPartCopy copies (a range of) an existing object's body into a
// part of an in-progress multipart upload.
func (g *Gateway) UploadPartCopy(ctx context.Context, key, uploadID string, partNumber int, sourceKey string, rng *ByteRange) (string, error) {
	if err := g.requireUpload(ctx, key, uploadID); err != nil {
		return "", err
	}
	src, _, err := g.Get(ctx, sourceKey, Conditions{}, rng)
	if err != nil {
		return "", err
	}
	if src == nil {
		return "", Error.New("NoSuchKey: copy source %q does not exist", sourceKey)
	}
	return g.storePart(ctx, uploadID, partNumber, src.Body)
}

func (g *Gateway) storePart(ctx context.Context, uploadID string, partNumber int, body []byte) (string, error) {
	blobID := newUUID()
	if err := g.blobs.Put(ctx, blobID, body); err != nil {
		return "", Error.Wrap(err)
	}
	etag := md5Hex(body)
	_, err := g.db.ExecContext(ctx, `INSERT INTO r2_multipart_parts (bucket, upload_id, part_number, blob_id, etag, size)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(bucket, upload_id, part_number) DO UPDATE SET
			blob_id = excluded.blob_id, etag = excluded.etag, size = excluded.size`,
		g.bucket, uploadID, partNumber, blobID, etag, len(body))
	if err != nil {
		return "", Error.Wrap(err)
	}
	return etag, nil
}

func (g *Gateway) requireUpload(ctx context.Context, key, uploadID string) error {
	row := g.db.QueryRowContext(ctx, `SELECT key FROM r2_multipart_uploads WHERE bucket = ? AND upload_id = ?`, g.bucket, uploadID)
	var storedKey string
	if err := row.Scan(&storedKey); err != nil {
		return Error.New("NoSuchUpload: %s", uploadID)
	}
	if storedKey != key {
		return Error.New("NoSuchUpload: upload %s does not belong to key %q", uploadID, key)
	}
	return nil
}

type storedPart struct {
	number int
	blobID string
	etag   string
	size   int64
}

// CompleteMultipartUpload assembles the uploaded parts in order,
// validates the part-size floor and caller-supplied etags, then stores
// the concatenated body as a regular object. The final etag follows
// S3/R2 convention: hex(md5(concat of part md5 digests))-partCount.
func (g *Gateway) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []CompletedPart) (*ObjectEntry, error) {
	if err := g.requireUpload(ctx, key, uploadID); err != nil {
		return nil, err
	}

	rows, err := g.db.QueryContext(ctx, `SELECT part_number, blob_id, etag, size FROM r2_multipart_parts
		WHERE bucket = ? AND upload_id = ? ORDER BY part_number`, g.bucket, uploadID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer rows.Close()
	stored := map[int]storedPart{}
	for rows.Next() {
		var p storedPart
		if err := rows.Scan(&p.number, &p.blobID, &p.etag, &p.size); err != nil {
			return nil, Error.Wrap(err)
		}
		stored[p.number] = p
	}
	if err := rows.Err(); err != nil {
		return nil, Error.Wrap(err)
	}

	if len(parts) == 0 {
		return nil, Error.New("InvalidPart: completeMultipartUpload requires at least one part")
	}

	var body bytes.Buffer
	var digestConcat bytes.Buffer
	for i, want := range parts {
		p, ok := stored[want.PartNumber]
		if !ok {
			return nil, Error.New("InvalidPart: no uploaded part number %d", want.PartNumber)
		}
		if p.etag != want.ETag {
			return nil, Error.New("InvalidPart: etag mismatch for part %d", want.PartNumber)
		}
		if i < len(parts)-1 && p.size < minMultipartPartSize {
			return nil, Error.New("EntityTooSmall: part %d is %s, parts before the last must be at least 5 MiB", want.PartNumber, humanBytes(p.size))
		}
		data, err := g.blobs.Get(ctx, p.blobID)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		body.Write(data)
		sum := md5Sum(data)
		digestConcat.Write(sum[:])
	}

	finalETag := fmt.Sprintf("%s-%d", md5Hex(digestConcat.Bytes()), len(parts))

	var httpJSON, customJSON string
	row := g.db.QueryRowContext(ctx, `SELECT http_metadata, custom_metadata FROM r2_multipart_uploads WHERE bucket = ? AND upload_id = ?`, g.bucket, uploadID)
	_ = row.Scan(&httpJSON, &customJSON)
	var httpMeta httpMetaRow
	_ = json.Unmarshal([]byte(httpJSON), &httpMeta)
	var customMeta map[string]string
	_ = json.Unmarshal([]byte(customJSON), &customMeta)

	blobID := newUUID()
	if err := g.blobs.Put(ctx, blobID, body.Bytes()); err != nil {
		return nil, Error.Wrap(err)
	}

	entry := ObjectEntry{
		Key:            key,
		Version:        newUUID(),
		Size:           int64(body.Len()),
		ETag:           finalETag,
		Uploaded:       g.clock(),
		HTTPMetadata:   fromRow(httpMeta),
		CustomMetadata: customMeta,
		Checksums:      Checksums{MD5: md5Hex(body.Bytes())},
		StorageClass:   "Standard",
	}
	if err := g.upsert(ctx, entry, blobID); err != nil {
		_ = g.blobs.Delete(ctx, blobID)
		return nil, err
	}

	g.cleanupUpload(ctx, uploadID, stored)
	return &entry, nil
}

// AbortMultipartUpload discards an in-progress upload and its parts.
func (g *Gateway) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	if err := g.requireUpload(ctx, key, uploadID); err != nil {
		return err
	}
	rows, err := g.db.QueryContext(ctx, `SELECT part_number, blob_id, etag, size FROM r2_multipart_parts WHERE bucket = ? AND upload_id = ?`, g.bucket, uploadID)
	if err != nil {
		return Error.Wrap(err)
	}
	stored := map[int]storedPart{}
	for rows.Next() {
		var p storedPart
		if err := rows.Scan(&p.number, &p.blobID, &p.etag, &p.size); err != nil {
			rows.Close()
			return Error.Wrap(err)
		}
		stored[p.number] = p
	}
	rows.Close()
	g.cleanupUpload(ctx, uploadID, stored)
	return nil
}

func (g *Gateway) cleanupUpload(ctx context.Context, uploadID string, parts map[int]storedPart) {
	for _, p := range parts {
		_ = g.blobs.Delete(ctx, p.blobID)
	}
	_, _ = g.db.ExecContext(ctx, `DELETE FROM r2_multipart_parts WHERE bucket = ? AND upload_id = ?`, g.bucket, uploadID)
	_, _ = g.db.ExecContext(ctx, `DELETE FROM r2_multipart_uploads WHERE bucket = ? AND upload_id = ?`, g.bucket, uploadID)
}
