package s3

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Mock is an in-memory S3 subset (GET, PUT, DELETE and ListObjectsV2 with
// conditional headers) served through a fake HTTP transport.
type Mock struct {
	mu       sync.Mutex
	objects  map[string]mockObj
	seq      int
	pageSize int
	// FailPut makes PUT requests for keys containing the substring fail with
	// 403 AccessDenied.
	FailPut string
}

type mockObj struct {
	body        []byte
	contentType string
	etag        string
}

// NewMockForTests returns a Store backed by an in-memory fake transport and
// the mock itself for inspection.
func NewMockForTests() (*Store, *Mock) {
	m := &Mock{objects: make(map[string]mockObj), pageSize: 2}
	cfg, _ := config.LoadDefaultConfig(context.Background(),
		config.WithRegion(defaultRegion),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("AKIA", "SECRET", "")),
	)
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.HTTPClient = &http.Client{Transport: m}
		o.UsePathStyle = true
		o.BaseEndpoint = aws.String("https://mock.s3.local")
	})
	return &Store{client: client, bucket: "mock-bucket"}, m
}

// Keys returns the stored object keys in order.
func (m *Mock) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Put stores body under key as if written by another client.
func (m *Mock) Put(key string, body []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store(key, body, "application/json")
}

func (m *Mock) store(key string, body []byte, contentType string) string {
	m.seq++
	etag := fmt.Sprintf("\"v%d\"", m.seq)
	m.objects[key] = mockObj{body: body, contentType: contentType, etag: etag}
	return etag
}

// headers builds canonical response headers from key/value pairs; the SDK
// looks them up in canonical form ("Etag").
func headers(kv ...string) http.Header {
	h := make(http.Header, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		h.Set(kv[i], kv[i+1])
	}
	return h
}

func response(status int, body string, header http.Header) *http.Response {
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{StatusCode: status, Body: io.NopCloser(strings.NewReader(body)), Header: header}
}

func errorResponse(status int, code string) *http.Response {
	body := "<?xml version=\"1.0\"?><Error><Code>" + code + "</Code><Message>" + code + "</Message></Error>"
	return response(status, body, http.Header{"Content-Type": {"application/xml"}})
}

// preconditionFails evaluates If-Match and If-None-Match against the
// current object.
func preconditionFails(req *http.Request, obj mockObj, exists bool) bool {
	if ifMatch := req.Header.Get("If-Match"); ifMatch != "" && (!exists || ifMatch != obj.etag) {
		return true
	}
	if req.Header.Get("If-None-Match") == "*" && exists {
		return true
	}
	return false
}

// RoundTrip implements http.RoundTripper.
func (m *Mock) RoundTrip(req *http.Request) (*http.Response, error) { //nolint:cyclop
	m.mu.Lock()
	defer m.mu.Unlock()
	parts := strings.SplitN(strings.TrimPrefix(req.URL.Path, "/"), "/", 2)
	key := ""
	if len(parts) == 2 {
		key = parts[1]
	}
	if req.Method == http.MethodGet && strings.Contains(req.URL.RawQuery, "list-type=2") {
		return m.list(req), nil
	}
	obj, exists := m.objects[key]
	switch req.Method {
	case http.MethodGet:
		if !exists {
			return errorResponse(http.StatusNotFound, "NoSuchKey"), nil
		}
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(bytes.NewReader(obj.body)), Header: headers(
			"Content-Length", strconv.Itoa(len(obj.body)),
			"Content-Type", obj.contentType,
			"Last-Modified", time.Now().UTC().Format(http.TimeFormat),
			"ETag", obj.etag,
		)}, nil
	case http.MethodPut:
		if m.FailPut != "" && strings.Contains(key, m.FailPut) {
			return errorResponse(http.StatusForbidden, "AccessDenied"), nil
		}
		if preconditionFails(req, obj, exists) {
			return errorResponse(http.StatusPreconditionFailed, "PreconditionFailed"), nil
		}
		body, _ := io.ReadAll(req.Body)
		if dec, ok := decodeChunkedLite(body); ok { // handle aws-chunked encoding
			body = dec
		}
		etag := m.store(key, body, req.Header.Get("Content-Type"))
		return response(http.StatusOK, "", headers("ETag", etag)), nil
	case http.MethodDelete:
		if preconditionFails(req, obj, exists) {
			return errorResponse(http.StatusPreconditionFailed, "PreconditionFailed"), nil
		}
		delete(m.objects, key)
		return response(http.StatusNoContent, "", nil), nil
	}
	return response(http.StatusNotImplemented, "", nil), nil
}

// list serves ListObjectsV2 in pages of pageSize keys; the continuation
// token is the last key of the previous page.
func (m *Mock) list(req *http.Request) *http.Response {
	prefix := req.URL.Query().Get("prefix")
	after := req.URL.Query().Get("continuation-token")
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) && k > after {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	truncated := len(keys) > m.pageSize
	if truncated {
		keys = keys[:m.pageSize]
	}
	var b strings.Builder
	b.WriteString("<?xml version=\"1.0\"?><ListBucketResult>")
	fmt.Fprintf(&b, "<IsTruncated>%t</IsTruncated>", truncated)
	if truncated {
		b.WriteString("<NextContinuationToken>")
		_ = xml.EscapeText(&b, []byte(keys[len(keys)-1]))
		b.WriteString("</NextContinuationToken>")
	}
	for _, k := range keys {
		b.WriteString("<Contents><Key>")
		_ = xml.EscapeText(&b, []byte(k))
		fmt.Fprintf(&b, "</Key><Size>%d</Size><LastModified>2024-01-01T00:00:00Z</LastModified></Contents>", len(m.objects[k].body))
	}
	b.WriteString("</ListBucketResult>")
	return response(http.StatusOK, b.String(), http.Header{"Content-Type": {"application/xml"}})
}

// decodeChunkedLite decodes a minimal single-chunk aws-chunked style payload: <hex>\r\n<body>\r\n0\r\n...
func decodeChunkedLite(b []byte) ([]byte, bool) {
	s := string(b)
	parts := strings.Split(s, "\r\n")
	if len(parts) < 3 {
		return nil, false
	}
	sz, perr := strconv.ParseInt(parts[0], 16, 64)
	if perr != nil || int64(len(parts[1])) != sz || parts[2] != "0" {
		return nil, false
	}
	return []byte(parts[1]), true
}
