// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package s3 keeps volumes in S3. Every volume is split into fixed size
// chunks and each chunk is one object. It uses aws api v1.
package s3

import (
	"bytes"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"golang.org/x/net/http2"

	"github.com/asch/pfbd/internal/volume"
)

const (
	BackendName = "s3"

	// Format string for the object key. The volume name is the first
	// prefix. We split the chunk index into halves and use the lower half
	// of bits as the second prefix and upper half for the object key. This
	// is to prevent s3 rate limiting which is applied to objects with the
	// same prefix.
	keyFmt = "%s/%08x/%08x"

	// Error code returned by HEAD requests on missing objects.
	codeNotFound = "NotFound"
)

func init() {
	volume.Register(BackendName, Open)
}

// Implementation of ChunkStore using AWS S3 as a backend. Parameters of http
// connection are carefully tuned for the best performance in the AWS
// environment.
type S3 struct {
	uploader   *s3manager.Uploader
	downloader *s3manager.Downloader
	client     *s3.S3
	bucket     string
	volume     string
}

// Options to use in New() function due to high number of parameters. There is
// lower chance of ordering mistake with named parameters.
type Options struct {
	Volume    string
	Remote    string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
}

// Helper struct used for tuning the http connection.
type httpClientSettings struct {
	connect          time.Duration
	connKeepAlive    time.Duration
	expectContinue   time.Duration
	idleConn         time.Duration
	maxAllIdleConns  int
	maxHostIdleConns int
	responseHeader   time.Duration
	tlsHandshake     time.Duration
}

// Open connects to the bucket from cfg and returns the chunked store of the
// volume name.
func Open(name string, cfg *volume.Config) (volume.Store, error) {
	s, err := New(Options{
		Volume:    name,
		Remote:    cfg.S3.Remote,
		Region:    cfg.S3.Region,
		Bucket:    cfg.S3.Bucket,
		AccessKey: cfg.S3.AccessKey,
		SecretKey: cfg.S3.SecretKey,
	})
	if err != nil {
		return nil, err
	}

	return volume.NewChunked(s, cfg.S3.ChunkSize), nil
}

// Returns http client with configured parameters and added https2 support.
func newHTTPClientWithSettings(httpSettings httpClientSettings) *http.Client {
	tr := &http.Transport{
		ResponseHeaderTimeout: httpSettings.responseHeader,
		Proxy:                 http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			KeepAlive: httpSettings.connKeepAlive,
			Timeout:   httpSettings.connect,
		}).DialContext,
		MaxIdleConns:          httpSettings.maxAllIdleConns,
		IdleConnTimeout:       httpSettings.idleConn,
		TLSHandshakeTimeout:   httpSettings.tlsHandshake,
		MaxIdleConnsPerHost:   httpSettings.maxHostIdleConns,
		ExpectContinueTimeout: httpSettings.expectContinue,
	}

	http2.ConfigureTransport(tr)

	return &http.Client{
		Transport: tr,
	}
}

// PutChunk function implemented through s3 api.
func (s *S3) PutChunk(idx int64, chunk []byte) error {
	_, err := s.uploader.Upload(&s3manager.UploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.encode(idx)),
		Body:   bytes.NewReader(chunk),
	})

	return err
}

// ReadChunkAt function implemented through ranged s3 download. Missing
// objects are chunks which were never written.
func (s *S3) ReadChunkAt(idx int64, p []byte, off int64) (bool, error) {
	to := off + int64(len(p)) - 1
	rng := fmt.Sprintf("bytes=%d-%d", off, to)
	b := aws.NewWriteAtBuffer(p)

	_, err := s.downloader.Download(b, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.encode(idx)),
		Range:  &rng,
	})

	if isNotFound(err) {
		return false, nil
	}

	return err == nil, err
}

// Nothing to release, http connections are pooled by the client.
func (s *S3) Close() error {
	return nil
}

func New(o Options) (*S3, error) {
	s := new(S3)
	s.bucket = o.Bucket
	s.volume = o.Volume

	// For the best possible performance (throughput close to 10GB/s) it
	// should be tuned according to the object backend.
	// Following settings are recommended by AWS for usage in their
	// network.
	httpClient := newHTTPClientWithSettings(httpClientSettings{
		connect:          5 * time.Second,
		expectContinue:   1 * time.Second,
		idleConn:         90 * time.Second,
		connKeepAlive:    30 * time.Second,
		maxAllIdleConns:  100,
		maxHostIdleConns: 10,
		responseHeader:   5 * time.Second,
		tlsHandshake:     5 * time.Second,
	})

	sess, err := session.NewSession(&aws.Config{
		Endpoint:                      aws.String(o.Remote),
		Region:                        aws.String(o.Region),
		Credentials:                   credentials.NewStaticCredentials(o.AccessKey, o.SecretKey, ""),
		S3ForcePathStyle:              aws.Bool(true),
		S3DisableContentMD5Validation: aws.Bool(true),
		HTTPClient:                    httpClient,
	})

	if err != nil {
		return nil, err
	}

	s.client = s3.New(sess)
	s.uploader = s3manager.NewUploader(sess)
	s.downloader = s3manager.NewDownloader(sess)

	// Chunks are small, we do not benefit from multipart transfers.
	// Parallelism comes from the volume workers instead.
	s.uploader.Concurrency = 1
	s3manager.WithUploaderRequestOptions(request.Option(func(r *request.Request) {
		r.HTTPRequest.Header.Add("X-Amz-Content-Sha256", "UNSIGNED-PAYLOAD")
	}))(s.uploader)
	s.downloader.Concurrency = 1

	err = s.makeBucketExist()

	return s, err
}

// Check whether bucket exist and if not, create it and wait until it appears.
func (s *S3) makeBucketExist() error {
	_, err := s.client.HeadBucket(&s3.HeadBucketInput{Bucket: aws.String(s.bucket)})

	if err != nil {
		_, err = s.client.CreateBucket(&s3.CreateBucketInput{
			Bucket: aws.String(s.bucket)})

		if err == nil {
			err = s.client.WaitUntilBucketExists(&s3.HeadBucketInput{
				Bucket: aws.String(s.bucket)})
		}
	}

	return err
}

// Object key of chunk idx of this volume.
func (s *S3) encode(idx int64) string {
	return encode(s.volume, idx)
}

func encode(volume string, idx int64) string {
	left := (idx >> 32) & 0xffffffff
	right := idx & 0xffffffff

	return fmt.Sprintf(keyFmt, volume, right, left)
}

func isNotFound(err error) bool {
	if aerr, ok := err.(awserr.Error); ok {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, codeNotFound:
			return true
		}
	}

	return false
}
