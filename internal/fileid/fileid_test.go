package fileid

import (
	"path/filepath"
	"testing"
)

func TestImageID(t *testing.T) {
	// Deterministic: same path gives same ID
	id1 := ImageID("/foo/bar.jpg")
	id2 := ImageID("/foo/bar.jpg")
	if id1 != id2 {
		t.Errorf("same path should give same ID: %q vs %q", id1, id2)
	}
	if id1 == "" {
		t.Error("ID should not be empty")
	}
	if len(id1) < 10 {
		t.Errorf("ID too short: %q", id1)
	}
	if id1[:len(prefix)] != prefix {
		t.Errorf("ID should have prefix %q: got %q", prefix, id1)
	}
}

func TestImageID_differentPaths(t *testing.T) {
	id1 := ImageID("/foo/bar.jpg")
	id2 := ImageID("/foo/baz.jpg")
	if id1 == id2 {
		t.Errorf("different paths should give different IDs: %q", id1)
	}
}

func TestImageID_normalized(t *testing.T) {
	// Clean path: /foo/bar and /foo/bar/ and /foo/./bar should match
	id1 := ImageID("/foo/bar")
	id2 := ImageID("/foo/bar/")
	id3 := ImageID("/foo/./bar")
	if id1 != id2 {
		t.Errorf("paths differing only by trailing slash should match: %q vs %q", id1, id2)
	}
	if id1 != id3 {
		t.Errorf("paths with . should normalize: %q vs %q", id1, id3)
	}
}

func TestImageID_relativeBecomesClean(t *testing.T) {
	// We expect callers to pass absolute path; but Clean("a/b") stays "a/b"
	id := ImageID("a/b.png")
	if id == "" || id[:len(prefix)] != prefix {
		t.Errorf("relative path still gets valid ID: %q", id)
	}
	// Same relative path gives same ID
	if ImageID("a/b.png") != ImageID("a/b.png") {
		t.Error("same relative path should be deterministic")
	}
}

func TestImageID_absoluteFromFilepath(t *testing.T) {
	abs, _ := filepath.Abs(".")
	id := ImageID(abs)
	if id == "" || id[:len(prefix)] != prefix {
		t.Errorf("absolute path: got %q", id)
	}
}

func TestIsFileID(t *testing.T) {
	if !IsFileID(ImageID("/img/1/a.jpg")) {
		t.Error("ImageID output should be recognised")
	}
	for _, id := range []string{"", "file:", "3f2504e0-4f89-11d3-9a0c-0305e82c3301"} {
		if IsFileID(id) {
			t.Errorf("IsFileID(%q) = true", id)
		}
	}
}
