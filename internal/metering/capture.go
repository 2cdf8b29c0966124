package metering

import (
	"bytes"
	"net/http"
)

// captureLimit caps how much of the response body is retained for
// completion-text extraction. Writes past the cap still reach the client.
const captureLimit = 64 * 1024

// responseCapture tees response writes into a bounded buffer without
// altering what the client receives. wrote distinguishes a handler that
// produced a terminal write from one whose request was cancelled first;
// only the former is charged.
type responseCapture struct {
	http.ResponseWriter
	status int
	wrote  bool
	buf    bytes.Buffer
}

func newResponseCapture(w http.ResponseWriter) *responseCapture {
	return &responseCapture{ResponseWriter: w, status: http.StatusOK}
}

func (c *responseCapture) WriteHeader(code int) {
	if !c.wrote {
		c.status = code
	}
	c.wrote = true
	c.ResponseWriter.WriteHeader(code)
}

func (c *responseCapture) Write(p []byte) (int, error) {
	c.wrote = true
	if c.buf.Len() < captureLimit {
		remain := captureLimit - c.buf.Len()
		if len(p) <= remain {
			c.buf.Write(p)
		} else {
			c.buf.Write(p[:remain])
		}
	}
	return c.ResponseWriter.Write(p)
}

// Body returns the captured portion of the response body.
func (c *responseCapture) Body() []byte {
	return c.buf.Bytes()
}
