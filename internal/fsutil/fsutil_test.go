package fsutil

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestListImagesTopLevelSorted(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.JPG", "a.png", "notes.txt", ".hidden.png", "output/pano_0.png", "c.nef"} {
		touch(t, filepath.Join(dir, name))
	}
	got, err := ListImages(dir)
	if err != nil {
		t.Fatalf("ListImages: %v", err)
	}
	want := []string{filepath.Join(dir, "a.png"), filepath.Join(dir, "b.JPG"), filepath.Join(dir, "c.nef")}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestExpandInputs(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "x.tif"))
	got, err := ExpandInputs([]string{dir})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || filepath.Base(got[0]) != "x.tif" {
		t.Fatalf("got %v", got)
	}
	files := []string{"one.png", "missing.png"}
	got, err = ExpandInputs(files)
	if err != nil || !reflect.DeepEqual(got, files) {
		t.Fatalf("got %v, %v", got, err)
	}
	got, _ = ExpandInputs([]string{"single-missing.png"})
	if !reflect.DeepEqual(got, []string{"single-missing.png"}) {
		t.Fatalf("got %v", got)
	}
}

func TestRAWIsAlsoImage(t *testing.T) {
	for _, name := range []string{"a.CR2", "b.dng", "c.NEF"} {
		if !IsRAWFile(name) || !IsImageFile(name) {
			t.Fatalf("%s should be a RAW image", name)
		}
	}
	if IsRAWFile("d.jpg") || IsImageFile("e.txt") {
		t.Fatal("misclassified non-RAW file")
	}
}
