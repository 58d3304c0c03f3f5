package queue

import "github.com/cloudflare/miniflare-sub008/internal/structuredclone"

func encodeStructuredClone(value interface{}) ([]byte, error) {
	b, err := structuredclone.Encode(value)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return b, nil
}

func decodeStructuredClone(body []byte) (interface{}, error) {
	v, err := structuredclone.Decode(body)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return v, nil
}
