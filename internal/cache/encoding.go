package cache

import (
	"encoding/json"
	"net/http"

	"github.com/cloudflare/miniflare-sub008/internal/kvstore"
)

type storedMeta struct {
	Status    int                 `json:"status"`
	Header    map[string][]string `json:"header"`
	StoredAt  int64               `json:"storedAt"`
	ExpiresAt int64               `json:"expiresAt"`
}

// encodeStoredResponse packs a StoredResponse into a kvstore.Entry: the
// body is the raw value, everything else rides in metadata so the
// file-backed persistence layout matches section 6 ("the stored body
// is the raw response body and the meta file carries status, headers,
// expiration, cache-key").
func encodeStoredResponse(stored StoredResponse) kvstore.Entry {
	m := storedMeta{Status: stored.Status, Header: map[string][]string(stored.Header), StoredAt: stored.StoredAt, ExpiresAt: stored.ExpiresAt}
	b, _ := json.Marshal(m)
	var tree kvstore.Metadata
	_ = json.Unmarshal(b, &tree)
	return kvstore.Entry{Value: stored.Body, Expiration: stored.ExpiresAt, Metadata: tree}
}

func decodeStoredResponse(entry kvstore.Entry) (StoredResponse, bool, error) {
	b, err := json.Marshal(entry.Metadata)
	if err != nil {
		return StoredResponse{}, false, Error.Wrap(err)
	}
	var m storedMeta
	if err := json.Unmarshal(b, &m); err != nil {
		return StoredResponse{}, false, Error.Wrap(err)
	}
	return StoredResponse{
		Status:    m.Status,
		Header:    http.Header(m.Header),
		Body:      entry.Value,
		StoredAt:  m.StoredAt,
		ExpiresAt: m.ExpiresAt,
	}, true, nil
}
