package preflight

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"ecobin/internal/testsupport"
)

func TestCheckDirectoryAccess_OK(t *testing.T) {
	dir := t.TempDir()
	result := CheckDirectoryAccess("test", dir)
	if !result.Passed {
		t.Fatalf("expected pass for temp dir, got: %s", result.Detail)
	}
}

func TestCheckDirectoryAccess_NotExist(t *testing.T) {
	result := CheckDirectoryAccess("test", filepath.Join(t.TempDir(), "nope"))
	if result.Passed {
		t.Fatal("expected failure for missing dir")
	}
	if !strings.Contains(result.Detail, "does not exist") {
		t.Fatalf("unexpected detail %q", result.Detail)
	}
}

func TestCheckDirectoryAccess_NotDir(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	result := CheckDirectoryAccess("test", f)
	if result.Passed {
		t.Fatal("expected failure for file path")
	}
}

func TestCheckReaderDevice(t *testing.T) {
	regular := filepath.Join(t.TempDir(), "ttyFAKE")
	if err := os.WriteFile(regular, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		path string
		pass bool
		want string
	}{
		{name: "missing", path: filepath.Join(t.TempDir(), "ttyUSB9"), want: "not present"},
		{name: "regular file", path: regular, want: "not a character device"},
	}
	if _, err := os.Stat("/dev/null"); err == nil {
		tests = append(tests, struct {
			name string
			path string
			pass bool
			want string
		}{name: "char device", path: "/dev/null", pass: true, want: "/dev/null"})
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := CheckReaderDevice(tt.path)
			if result.Passed != tt.pass {
				t.Fatalf("passed = %v, want %v (%s)", result.Passed, tt.pass, result.Detail)
			}
			if !strings.Contains(result.Detail, tt.want) {
				t.Fatalf("detail %q does not contain %q", result.Detail, tt.want)
			}
		})
	}
}

func TestCheckClassifier(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"detections":[]}`))
	}))
	defer ok.Close()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer broken.Close()

	if result := CheckClassifier(context.Background(), ok.URL); !result.Passed {
		t.Fatalf("expected pass, got %s", result.Detail)
	}
	result := CheckClassifier(context.Background(), broken.URL)
	if result.Passed || !strings.Contains(result.Detail, "503") {
		t.Fatalf("expected 503 failure, got %+v", result)
	}
}

func TestCheckTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("listen: %v", err)
	}
	addr := ln.Addr().String()
	if result := CheckTCP(context.Background(), "broker", addr); !result.Passed {
		t.Fatalf("expected pass, got %s", result.Detail)
	}
	_ = ln.Close()
	if result := CheckTCP(context.Background(), "broker", addr); result.Passed {
		t.Fatal("expected failure after listener closed")
	}
}

func TestRunAllSkipsUnconfiguredInputs(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Detection.ClassifierURL = ""
	cfg.Reader.Device = ""

	results := RunAll(context.Background(), cfg)
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %+v", results)
	}
	if failed := Failed(results); len(failed) != 0 {
		t.Fatalf("unexpected failures %+v", failed)
	}
	if !strings.HasPrefix(results[2].Name, "Registry (sqlite)") {
		t.Fatalf("unexpected registry result %+v", results[2])
	}
}

func TestRunAllReportsMissingReader(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Detection.ClassifierURL = ""
	cfg.Reader.Device = filepath.Join(t.TempDir(), "ttyACM0")

	failed := Failed(RunAll(context.Background(), cfg))
	if len(failed) != 1 || failed[0].Name != "Credential reader" {
		t.Fatalf("expected only the reader to fail, got %+v", failed)
	}
}
