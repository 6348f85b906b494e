package providers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

const reportCSV = "responseid,workerid\r\nw1,w1\r\n"

func TestLocalUploaderUploadBytes(t *testing.T) {
	tmpDir := t.TempDir()

	uploader := NewLocalUploader(tmpDir)
	url, err := uploader.UploadBytes(context.Background(), "reports/colors_s1.csv", "text/csv", []byte(reportCSV))
	if err != nil {
		t.Fatalf("UploadBytes failed: %v", err)
	}
	if !strings.HasPrefix(url, "file://") {
		t.Errorf("url = %q, want file:// scheme", url)
	}

	content, err := os.ReadFile(filepath.Join(tmpDir, "reports", "colors_s1.csv"))
	if err != nil {
		t.Fatalf("Failed to read uploaded file: %v", err)
	}
	if string(content) != reportCSV {
		t.Errorf("content = %q", content)
	}
	if _, err := os.Stat(filepath.Join(tmpDir, "reports", "colors_s1.csv.tmp")); !os.IsNotExist(err) {
		t.Errorf("temporary file left behind")
	}
}

func TestLocalUploaderCreatesDirectories(t *testing.T) {
	tmpDir := t.TempDir()

	uploader := NewLocalUploader(tmpDir)
	if _, err := uploader.UploadBytes(context.Background(), "deep/nested/path/file.csv", "text/csv", []byte("x")); err != nil {
		t.Fatalf("UploadBytes failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(tmpDir, "deep", "nested", "path", "file.csv")); err != nil {
		t.Fatalf("Expected file to exist in nested directory: %v", err)
	}
}

func TestS3UploaderPutsObject(t *testing.T) {
	var (
		mu      sync.Mutex
		method  string
		urlPath string
		ctype   string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		method, urlPath, ctype = r.Method, r.URL.Path, r.Header.Get("Content-Type")
		mu.Unlock()
		w.Header().Set("ETag", `"abc"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	up, err := NewS3Uploader(context.Background(), S3Config{
		Bucket:          "surveys",
		Region:          "us-east-1",
		Endpoint:        srv.URL,
		Prefix:          "/runs/",
		AccessKeyID:     "test",
		SecretAccessKey: "test",
	})
	if err != nil {
		t.Fatalf("NewS3Uploader() error = %v", err)
	}
	loc, err := up.UploadBytes(context.Background(), "colors_s1.csv", "text/csv", []byte(reportCSV))
	if err != nil {
		t.Fatalf("UploadBytes() error = %v", err)
	}
	if loc != "s3://surveys/runs/colors_s1.csv" {
		t.Errorf("location = %q", loc)
	}

	mu.Lock()
	defer mu.Unlock()
	if method != http.MethodPut || urlPath != "/surveys/runs/colors_s1.csv" {
		t.Errorf("request = %s %s", method, urlPath)
	}
	if ctype != "text/csv" {
		t.Errorf("Content-Type = %q", ctype)
	}
}

func TestNewUploader(t *testing.T) {
	if _, err := NewUploader(context.Background(), UploadConfig{Type: "local", Dir: t.TempDir()}); err != nil {
		t.Errorf("local: %v", err)
	}
	if _, err := NewUploader(context.Background(), UploadConfig{Type: "s3"}); err == nil {
		t.Errorf("s3 without bucket: expected error")
	}
	if _, err := NewUploader(context.Background(), UploadConfig{Type: "ftp"}); err == nil {
		t.Errorf("unknown type: expected error")
	}
}

func TestNewRedisProvider(t *testing.T) {
	client := NewRedisProvider("localhost:6379", "password", 2)
	if client == nil {
		t.Fatal("Expected redis client to be non-nil")
	}
	defer client.Close()
	if got := client.Options().DB; got != 2 {
		t.Errorf("DB = %d, want 2", got)
	}
}
