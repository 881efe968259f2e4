// internal/security/permissions_test.go
package security

import (
	"os"
	"path/filepath"
	"testing"
)

func TestValidateDirectoryPermissions_Accepted(t *testing.T) {
	for _, mode := range []os.FileMode{0700, 0750, 0755} {
		dir := t.TempDir()
		if err := os.Chmod(dir, mode); err != nil {
			t.Fatalf("chmod failed: %v", err)
		}
		if err := ValidateDirectoryPermissions(dir); err != nil {
			t.Errorf("expected no error for mode %04o, got: %v", mode, err)
		}
	}
}

func TestValidateDirectoryPermissions_Rejected(t *testing.T) {
	for _, mode := range []os.FileMode{0777, 0766, 0770, 0702} {
		dir := t.TempDir()
		if err := os.Chmod(dir, mode); err != nil {
			t.Fatalf("chmod failed: %v", err)
		}
		if err := ValidateDirectoryPermissions(dir); err == nil {
			t.Errorf("expected error for mode %04o", mode)
		}
	}
}

func TestValidateDirectoryPermissions_NotADirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(path, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := ValidateDirectoryPermissions(path); err == nil {
		t.Error("expected error for a regular file")
	}
}

func TestValidateDirectoryPermissions_Missing(t *testing.T) {
	if err := ValidateDirectoryPermissions(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected error for missing directory")
	}
}

func TestValidateFilePermissions(t *testing.T) {
	tests := []struct {
		mode    os.FileMode
		wantErr bool
	}{
		{0600, false},
		{0644, false},
		{0640, false},
		{0664, true},
		{0666, true},
		{0646, true},
	}
	for _, tt := range tests {
		path := filepath.Join(t.TempDir(), "config.yaml")
		if err := os.WriteFile(path, []byte("daemon: {}\n"), 0600); err != nil {
			t.Fatal(err)
		}
		if err := os.Chmod(path, tt.mode); err != nil {
			t.Fatalf("chmod failed: %v", err)
		}
		err := ValidateFilePermissions(path)
		if (err != nil) != tt.wantErr {
			t.Errorf("mode %04o: error = %v, wantErr %v", tt.mode, err, tt.wantErr)
		}
	}
}

func TestValidateFilePermissions_Directory(t *testing.T) {
	if err := ValidateFilePermissions(t.TempDir()); err == nil {
		t.Error("expected error for a directory")
	}
}
