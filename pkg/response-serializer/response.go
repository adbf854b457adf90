package serializer

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
	"strconv"
	"time"
)

// TimestampHeaderName is the stored response header holding the time (unix seconds)
// the response was received from the network.
const TimestampHeaderName = "Offline-Cache-Time"

type TimedResponse struct {
	Response *http.Response
	// The value of the clock at the time the response was received.
	// Zero if the stored response carries no readable timestamp.
	ResponseTime time.Time
}

// ResponseToBytes returns the HTTP/1.1 representation of the response, stamped with the
// given response time. The body of res is consumed and replaced by an identical copy,
// so the caller can keep using res afterwards (it acts like cloning the response).
// Only the stored bytes carry the timestamp, the headers of res are left as they are.
func ResponseToBytes(res *http.Response, responseTime time.Time) ([]byte, error) {
	var body []byte
	if res.Body != nil {
		var err error
		body, err = io.ReadAll(res.Body)
		res.Body.Close()
		if err != nil {
			return nil, err
		}
	}
	res.Body = io.NopCloser(bytes.NewReader(body))

	if res.Header == nil {
		res.Header = http.Header{}
	}

	// write a copy with a known length, so reading it back does not depend on connection semantics
	stored := *res
	stored.Body = io.NopCloser(bytes.NewReader(body))
	stored.ContentLength = int64(len(body))
	stored.TransferEncoding = nil
	stored.Close = false
	// a HEAD request would make Write drop the body
	stored.Request = nil
	stored.Header = res.Header.Clone()
	stored.Header.Del("Content-Length")
	stored.Header.Del("Transfer-Encoding")
	stored.Header.Set(TimestampHeaderName, strconv.FormatInt(responseTime.Unix(), 10))
	if stored.ProtoMajor == 0 {
		stored.Proto, stored.ProtoMajor, stored.ProtoMinor = "HTTP/1.1", 1, 1
	}

	buf := &bytes.Buffer{}
	if err := stored.Write(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BytesToStoredResponse converts a byte slice to a timed response.
// The request, if not nil, is set as the request of the resulting response.
func BytesToStoredResponse(b []byte, req *http.Request) (TimedResponse, error) {
	sRes := TimedResponse{}
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), req)
	if err != nil {
		return sRes, err
	}
	sRes.Response = res
	sRes.ResponseTime, _ = timestamp(res.Header)
	return sRes, nil
}

// Timestamp reads the response time of a stored response, without reading its body.
// It returns false if the bytes are not a response or the timestamp header is missing
// or unreadable.
func Timestamp(b []byte) (time.Time, bool) {
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), nil)
	if err != nil {
		return time.Time{}, false
	}
	defer res.Body.Close()
	return timestamp(res.Header)
}

func timestamp(header http.Header) (time.Time, bool) {
	value := header.Get(TimestampHeaderName)
	if value == "" {
		return time.Time{}, false
	}
	unix, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(unix, 0), true
}
