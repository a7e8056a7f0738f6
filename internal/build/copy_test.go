package build

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseCopy(t *testing.T) {
	tests := []struct {
		name    string
		copy    string
		workdir string
		src     string
		dest    string
		wantErr bool
	}{
		{
			name:    "dot dest keeps source name in workdir",
			copy:    "main.py .",
			workdir: "/app",
			src:     "main.py",
			dest:    "/app/main.py",
		},
		{
			name:    "absolute dest kept",
			copy:    "config.yml /etc/app/config.yml",
			workdir: "/app",
			src:     "config.yml",
			dest:    "/etc/app/config.yml",
		},
		{
			name:    "trailing slash dest is a directory",
			copy:    "config.yml /etc/app/",
			workdir: "/app",
			src:     "config.yml",
			dest:    "/etc/app/config.yml",
		},
		{
			name:    "relative file dest renames",
			copy:    "main.py entry.py",
			workdir: "/app",
			src:     "main.py",
			dest:    "/app/entry.py",
		},
		{
			name:    "dot source into dot dest",
			copy:    ". .",
			workdir: "/app",
			src:     ".",
			dest:    "/app",
		},
		{
			name:    "relative dest without workdir",
			copy:    "main.py .",
			wantErr: true,
		},
		{
			name:    "missing dest",
			copy:    "main.py",
			workdir: "/app",
			wantErr: true,
		},
		{
			name:    "too many tokens",
			copy:    "a b c",
			workdir: "/app",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src, dest, err := parseCopy(tt.copy, tt.workdir)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseCopy: %v", err)
			}
			if src != tt.src || dest != tt.dest {
				t.Errorf("parseCopy = %q %q, want %q %q", src, dest, tt.src, tt.dest)
			}
		})
	}
}

func TestHashCopySourceDeterministic(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "alpha")
	writeFile(t, dir, "sub/b.txt", "beta")

	first, err := hashCopySource(dir, ".")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	second, err := hashCopySource(dir, ".")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}

	if first != second {
		t.Errorf("same tree hashed differently: %s vs %s", first, second)
	}
}

func TestHashCopySourceDetectsChanges(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "alpha")

	before, err := hashCopySource(dir, "a.txt")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}

	writeFile(t, dir, "a.txt", "alpha modified")

	after, err := hashCopySource(dir, "a.txt")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}

	if before == after {
		t.Error("edited file produced the same hash")
	}
}

func TestHashCopySourceMissing(t *testing.T) {
	if _, err := hashCopySource(t.TempDir(), "missing.txt"); err == nil {
		t.Fatal("expected error for missing source")
	}
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}
