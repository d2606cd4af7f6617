package s3_test

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
	"testing"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	ledgers3 "github.com/warp/device-ledger/store/s3"
)

const fakeBucket = "mock-bucket"

// fakeS3 is an in-memory S3 transport honouring If-Match / If-None-Match.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]fakeObject
	gen     int
	puts    int

	// beforePut runs once before the next conditional put is evaluated.
	beforePut func()
}

type fakeObject struct {
	body []byte
	etag string
}

func newFakeStore(t *testing.T) (*ledgers3.Store, *fakeS3) {
	t.Helper()
	rt := &fakeS3{objects: map[string]fakeObject{}}
	cfg, err := config.LoadDefaultConfig(context.Background(),
		config.WithRegion("us-east-1"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("AKIA", "SECRET", "")),
	)
	if err != nil {
		t.Fatalf("load aws config: %v", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.HTTPClient = &http.Client{Transport: rt}
		o.UsePathStyle = true
		o.BaseEndpoint = aws.String("https://mock.s3.local")
	})
	return ledgers3.NewWithClient(client, fakeBucket, "histories"), rt
}

func (f *fakeS3) put(key string, body []byte) {
	f.gen++
	f.objects[key] = fakeObject{body: body, etag: `"g` + strconv.Itoa(f.gen) + `"`}
}

func (f *fakeS3) RoundTrip(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := strings.TrimPrefix(strings.TrimPrefix(req.URL.Path, "/"+fakeBucket), "/")

	if req.Method == http.MethodGet && req.URL.Query().Get("list-type") == "2" {
		return f.list(req.URL.Query().Get("prefix")), nil
	}

	switch req.Method {
	case http.MethodGet:
		obj, ok := f.objects[key]
		if !ok {
			return errorResponse(http.StatusNotFound, "NoSuchKey"), nil
		}
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(bytes.NewReader(obj.body)), Header: http.Header{
			"Content-Length": {strconv.Itoa(len(obj.body))},
			"Content-Type":   {"application/json"},
			"Etag":           {obj.etag},
		}}, nil

	case http.MethodPut:
		body, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		if dec, ok := decodeChunked(body); ok {
			body = dec
		}
		if f.beforePut != nil {
			hook := f.beforePut
			f.beforePut = nil
			hook()
		}
		existing, exists := f.objects[key]
		if req.Header.Get("If-None-Match") == "*" && exists {
			return errorResponse(http.StatusPreconditionFailed, "PreconditionFailed"), nil
		}
		if m := req.Header.Get("If-Match"); m != "" && (!exists || existing.etag != m) {
			return errorResponse(http.StatusPreconditionFailed, "PreconditionFailed"), nil
		}
		f.puts++
		f.put(key, body)
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(bytes.NewReader(nil)), Header: http.Header{"Etag": {f.objects[key].etag}}}, nil
	}
	return &http.Response{StatusCode: http.StatusNotImplemented, Body: io.NopCloser(bytes.NewReader(nil)), Header: http.Header{}}, nil
}

func (f *fakeS3) list(prefix string) *http.Response {
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><ListBucketResult><IsTruncated>false</IsTruncated>`)
	for _, k := range keys {
		b.WriteString("<Contents><Key>")
		_ = xml.EscapeText(&b, []byte(k))
		fmt.Fprintf(&b, "</Key><Size>%d</Size></Contents>", len(f.objects[k].body))
	}
	b.WriteString("</ListBucketResult>")
	return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader(b.String())), Header: http.Header{"Content-Type": {"application/xml"}}}
}

func errorResponse(status int, code string) *http.Response {
	body := `<?xml version="1.0" encoding="UTF-8"?><Error><Code>` + code + `</Code><Message>` + code + `</Message></Error>`
	return &http.Response{StatusCode: status, Body: io.NopCloser(strings.NewReader(body)), Header: http.Header{"Content-Type": {"application/xml"}}}
}

// decodeChunked unwraps an aws-chunked payload: <hex>\r\n<body>\r\n0\r\n<trailers>.
func decodeChunked(b []byte) ([]byte, bool) {
	head, rest, ok := bytes.Cut(b, []byte("\r\n"))
	if !ok {
		return nil, false
	}
	size, err := strconv.ParseInt(string(bytes.TrimSpace(head)), 16, 64)
	if err != nil || size < 0 || int64(len(rest)) < size {
		return nil, false
	}
	if !bytes.HasPrefix(rest[size:], []byte("\r\n0")) {
		return nil, false
	}
	return rest[:size], true
}
