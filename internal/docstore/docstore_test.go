package docstore

import (
	"context"
	"errors"
	"io"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
)

type fakeClient struct {
	exists    bool
	made      string
	putKey    string
	putBody   string
	putType   string
	presignIn time.Duration
	putErr    error
}

func (f *fakeClient) BucketExists(context.Context, string) (bool, error) { return f.exists, nil }

func (f *fakeClient) MakeBucket(_ context.Context, bucket string, _ minio.MakeBucketOptions) error {
	f.made = bucket
	return nil
}

func (f *fakeClient) PutObject(_ context.Context, _ string, key string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	if f.putErr != nil {
		return minio.UploadInfo{}, f.putErr
	}
	raw, _ := io.ReadAll(reader)
	f.putKey = key
	f.putBody = string(raw)
	f.putType = opts.ContentType
	return minio.UploadInfo{Key: key, Size: size}, nil
}

func (f *fakeClient) PresignedGetObject(_ context.Context, bucket, key string, expires time.Duration, _ url.Values) (*url.URL, error) {
	f.presignIn = expires
	return url.Parse("https://files.example.test/" + bucket + "/" + key + "?X-Amz-Signature=abc")
}

func TestEnsureBucketCreatesOnlyWhenMissing(t *testing.T) {
	client := &fakeClient{exists: true}
	if err := newStore(client, "docs", 0).EnsureBucket(context.Background()); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if client.made != "" {
		t.Fatal("existing bucket should not be recreated")
	}

	client = &fakeClient{}
	if err := newStore(client, "docs", 0).EnsureBucket(context.Background()); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if client.made != "docs" {
		t.Fatalf("expected bucket docs to be created, got %q", client.made)
	}
}

func TestPutStoresAndPresigns(t *testing.T) {
	client := &fakeClient{}
	s := newStore(client, "docs", time.Hour)

	obj, err := s.Put(context.Background(), "2024-01-07", "concept", "../Order of Service.docx", "", strings.NewReader("hello"), 5)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if !strings.HasPrefix(obj.Key, "services/2024-01-07/concept/doc_") || !strings.HasSuffix(obj.Key, "/Order of Service.docx") {
		t.Fatalf("unexpected key %q", obj.Key)
	}
	if client.putBody != "hello" || client.putType != "application/octet-stream" {
		t.Fatalf("unexpected upload body=%q type=%q", client.putBody, client.putType)
	}
	if client.presignIn != time.Hour {
		t.Fatalf("expected link ttl 1h, got %s", client.presignIn)
	}
	if !strings.Contains(obj.URL, "X-Amz-Signature") || obj.Size != 5 {
		t.Fatalf("unexpected object %+v", obj)
	}
}

func TestPutWrapsUploadErrors(t *testing.T) {
	boom := errors.New("disk full")
	s := newStore(&fakeClient{putErr: boom}, "docs", time.Hour)
	if _, err := s.Put(context.Background(), "2024-01-07", "concept", "a.pdf", "application/pdf", strings.NewReader("x"), 1); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

func TestObjectKeyFallsBackForEmptyName(t *testing.T) {
	if key := ObjectKey("2024-01-07", "music", ""); !strings.HasSuffix(key, "/document") {
		t.Fatalf("unexpected key %q", key)
	}
}
