package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type fakeS3 struct {
	objects map[string][]byte
	puts    []string
	deletes []string
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.objects[*params.Key] = data
	f.puts = append(f.puts, *params.Key)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[*params.Key]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, params *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(f.objects, *params.Key)
	f.deletes = append(f.deletes, *params.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) HeadBucket(context.Context, *s3.HeadBucketInput, ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, nil
}

func TestS3StoreFetchRoundTrip(t *testing.T) {
	client := newFakeS3()
	b := newS3BackendWithClient(client, "opendesk", "offload", "https://cdn.example")

	url, err := b.Store(context.Background(), "tickets/1/body.html", "text/html; charset=utf-8", []byte("<p>hi</p>"))
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if url != "https://cdn.example/offload/tickets/1/body.html" {
		t.Errorf("url = %q", url)
	}
	if len(client.puts) != 1 || client.puts[0] != "offload/tickets/1/body.html" {
		t.Errorf("object keys = %v", client.puts)
	}

	data, err := b.Fetch(context.Background(), url)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(data) != "<p>hi</p>" {
		t.Errorf("fetched %q", data)
	}
}

func TestS3FetchMissingObject(t *testing.T) {
	b := newS3BackendWithClient(newFakeS3(), "opendesk", "", "https://cdn.example")
	_, err := b.Fetch(context.Background(), "https://cdn.example/gone.html")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestS3FetchForeignURLRejected(t *testing.T) {
	b := newS3BackendWithClient(newFakeS3(), "opendesk", "", "https://cdn.example")
	if _, err := b.Fetch(context.Background(), "https://other.example/x.html"); err == nil {
		t.Error("expected error for foreign url")
	}
}

func TestS3Delete(t *testing.T) {
	client := newFakeS3()
	b := newS3BackendWithClient(client, "opendesk", "", "https://cdn.example")

	url, err := b.Store(context.Background(), "tickets/1/body.html", "text/html", []byte("x"))
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := b.Delete(context.Background(), url); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := b.Fetch(context.Background(), url); !errors.Is(err, ErrNotFound) {
		t.Errorf("object survived delete: %v", err)
	}
}

func TestS3NoPrefixKeys(t *testing.T) {
	client := newFakeS3()
	b := newS3BackendWithClient(client, "opendesk", "", "https://cdn.example")

	url, err := b.Store(context.Background(), "/tickets/2/a.html", "text/html", []byte("x"))
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if url != "https://cdn.example/tickets/2/a.html" {
		t.Errorf("url = %q", url)
	}
	if client.puts[0] != "tickets/2/a.html" {
		t.Errorf("key = %q", client.puts[0])
	}
}
