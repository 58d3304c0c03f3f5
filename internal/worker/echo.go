package worker

import (
	"bytes"
	"io"
	"net/http"
)

// Echo is a minimal WorkerInstance test double (section 3's note that
// the HTTP front-end and gating tests run without a real script
// loader). Fetch echoes the request method, path and body back as the
// response body; Scheduled and Queue succeed without side effects.
type Echo struct{}

func (Echo) Fetch(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		b, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		body = b
	}

	var buf bytes.Buffer
	buf.WriteString(req.Method)
	buf.WriteByte(' ')
	buf.WriteString(req.URL.Path)
	if len(body) > 0 {
		buf.WriteByte('\n')
		buf.Write(body)
	}

	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"text/plain; charset=utf-8"}},
		Body:       io.NopCloser(&buf),
	}, nil
}

func (Echo) Scheduled(ScheduledController) error { return nil }

func (Echo) Queue(QueueBatch) error { return nil }
