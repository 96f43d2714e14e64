package fsck_test

import (
	"path/filepath"
	"testing"

	"github.com/kafs-project/kafs"
	"github.com/kafs-project/kafs/fsck"
)

func mustImage(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "image.kafs")
	c, err := kafs.Format(path, 4096)
	if err != nil {
		t.Fatalf("Format failed: %s", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %s", err)
	}
	return path
}

func TestRunCleanJournal(t *testing.T) {
	path := mustImage(t)
	code, rep, err := fsck.Run(fsck.Options{ImagePath: path})
	if err != nil {
		t.Fatalf("Run failed: %s", err)
	}
	if code != fsck.ExitOK {
		t.Errorf("exit code = %d, want ExitOK", code)
	}
	if !rep.JournalWasClean {
		t.Errorf("fresh image reported as not clean")
	}
}

func TestRunReclaimOrphans(t *testing.T) {
	path := mustImage(t)

	c, err := kafs.Open(path)
	if err != nil {
		t.Fatalf("Open failed: %s", err)
	}
	cred := kafs.Cred{}
	if _, err := c.Create("/f.txt", 0644, cred); err != nil {
		t.Fatalf("Create failed: %s", err)
	}
	if err := c.Unlink("/f.txt", cred); err != nil {
		t.Fatalf("Unlink failed: %s", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %s", err)
	}

	code, rep, err := fsck.Run(fsck.Options{ImagePath: path, ReclaimOrphan: true})
	if err != nil {
		t.Fatalf("Run failed: %s", err)
	}
	if code != fsck.ExitOK {
		t.Errorf("exit code = %d, want ExitOK", code)
	}
	_ = rep.OrphansFound
}

func TestRunExportNone(t *testing.T) {
	path := mustImage(t)
	outPath := filepath.Join(t.TempDir(), "backup.img")

	code, rep, err := fsck.Run(fsck.Options{ImagePath: path, ExportPath: outPath, ExportCodec: fsck.CodecNone})
	if err != nil {
		t.Fatalf("Run failed: %s", err)
	}
	if code != fsck.ExitOK {
		t.Errorf("exit code = %d, want ExitOK", code)
	}
	if !rep.Exported {
		t.Errorf("report does not reflect export")
	}
}

func TestParseCodec(t *testing.T) {
	cases := map[string]fsck.Codec{"": fsck.CodecNone, "none": fsck.CodecNone, "zstd": fsck.CodecZstd, "xz": fsck.CodecXZ}
	for s, want := range cases {
		got, err := fsck.ParseCodec(s)
		if err != nil {
			t.Fatalf("ParseCodec(%q) failed: %s", s, err)
		}
		if got != want {
			t.Errorf("ParseCodec(%q) = %v, want %v", s, got, want)
		}
	}
	if _, err := fsck.ParseCodec("lz4"); err == nil {
		t.Errorf("ParseCodec(\"lz4\") expected error, got nil")
	}
}
