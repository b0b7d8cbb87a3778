package artifact_test

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/ipfs/go-cid"

	"github.com/provide-io/tofusoup-go/artifact"
)

func newStore(t *testing.T) *artifact.Store {
	t.Helper()
	store, err := artifact.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return store
}

func TestExportIsDeterministic(t *testing.T) {
	store := newStore(t)

	id1, err := store.Put([]byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	id2, err := store.Put([]byte("world"))
	if err != nil {
		t.Fatal(err)
	}

	var outA bytes.Buffer
	if err := artifact.Export(&outA, store, []cid.Cid{id2, id1}, artifact.ExportOptions{IncludeIndex: true}); err != nil {
		t.Fatal(err)
	}
	var outB bytes.Buffer
	if err := artifact.Export(&outB, store, []cid.Cid{id1, id2}, artifact.ExportOptions{IncludeIndex: true}); err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(outA.Bytes(), outB.Bytes()) {
		t.Fatalf("expected deterministic bundle bytes")
	}
}

func TestExportEntriesSortedWithLabels(t *testing.T) {
	store := newStore(t)

	idHello, err := store.Put([]byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	idWorld, err := store.Put([]byte("world"))
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	err = artifact.Export(&buf, store, []cid.Cid{idWorld, idHello}, artifact.ExportOptions{
		IncludeIndex: true,
		Labels: map[string]cid.Cid{
			"cell-go--go--ec-p256/output": idHello,
			"report":                      idWorld,
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	tr := tar.NewReader(bytes.NewReader(buf.Bytes()))
	var names []string
	var indexBytes []byte
	for {
		h, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		names = append(names, h.Name)
		if h.Name == "index.json" {
			indexBytes, err = io.ReadAll(tr)
			if err != nil {
				t.Fatal(err)
			}
		}
	}

	for i, name := range names[:len(names)-1] {
		if !strings.HasPrefix(name, "blocks/") {
			t.Fatalf("entry %d = %q, want blocks/ before index.json", i, name)
		}
		if i > 0 && !(names[i-1] < name) {
			t.Fatalf("entries not sorted: %q before %q", names[i-1], name)
		}
	}
	if names[len(names)-1] != "index.json" {
		t.Fatalf("last entry = %q, want index.json", names[len(names)-1])
	}

	var idx struct {
		Version int `json:"version"`
		Labels  []struct {
			Name string `json:"name"`
			CID  string `json:"cid"`
		} `json:"labels"`
	}
	if err := json.Unmarshal(indexBytes, &idx); err != nil {
		t.Fatalf("index.json: %v", err)
	}
	if idx.Version != artifact.FormatVersion {
		t.Fatalf("index version = %d, want %d", idx.Version, artifact.FormatVersion)
	}
	if len(idx.Labels) != 2 || idx.Labels[0].Name != "cell-go--go--ec-p256/output" {
		t.Fatalf("labels not sorted by name: %+v", idx.Labels)
	}
	if idx.Labels[0].CID != idHello.String() {
		t.Fatalf("label CID = %s, want %s", idx.Labels[0].CID, idHello)
	}
}

func TestImportRoundTrip(t *testing.T) {
	src := newStore(t)

	payload := []byte("payload")
	id, err := src.Put(payload)
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := artifact.Export(&buf, src, []cid.Cid{id}, artifact.ExportOptions{IncludeIndex: true}); err != nil {
		t.Fatal(err)
	}

	dst := newStore(t)
	if err := artifact.Import(bytes.NewReader(buf.Bytes()), dst); err != nil {
		t.Fatal(err)
	}

	got, err := dst.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestImportRejectsCIDMismatch(t *testing.T) {
	good := []byte("good")
	otherID, err := artifact.CIDOf([]byte("other"))
	if err != nil {
		t.Fatal(err)
	}

	// Entry name says "other" but the bytes are "good".
	bundleBytes := makeDeterministicTar(t, "blocks/"+otherID.String(), good)

	dst := newStore(t)
	if err := artifact.Import(bytes.NewReader(bundleBytes), dst); !errors.Is(err, artifact.ErrCIDMismatch) {
		t.Fatalf("expected ErrCIDMismatch, got %v", err)
	}
}

func TestImportRejectsUnknownEntries(t *testing.T) {
	bundleBytes := makeDeterministicTar(t, "extras/readme", []byte("hi"))

	dst := newStore(t)
	if err := artifact.Import(bytes.NewReader(bundleBytes), dst); err == nil {
		t.Fatalf("expected error for unknown entry")
	}

	err := artifact.ImportWithOptions(bytes.NewReader(bundleBytes), dst, artifact.ImportOptions{IgnoreUnknown: true})
	if err != nil {
		t.Fatalf("IgnoreUnknown import: %v", err)
	}
}

func TestImportRejectsPathEscape(t *testing.T) {
	bundleBytes := makeDeterministicTar(t, "blocks/../../etc/passwd", []byte("x"))

	dst := newStore(t)
	if err := artifact.Import(bytes.NewReader(bundleBytes), dst); err == nil {
		t.Fatalf("expected error for path traversal entry")
	}
}

func makeDeterministicTar(t *testing.T, name string, content []byte) []byte {
	t.Helper()

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	h := &tar.Header{
		Name:     name,
		Mode:     0o644,
		Size:     int64(len(content)),
		Uid:      0,
		Gid:      0,
		Uname:    "",
		Gname:    "",
		ModTime:  time.Unix(0, 0).UTC(),
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(h); err != nil {
		t.Fatal(err)
	}
	if _, err := tw.Write(content); err != nil {
		t.Fatal(err)
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}
