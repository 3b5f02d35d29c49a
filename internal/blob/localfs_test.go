package blob

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestAbsStaysBelowRoot(t *testing.T) {
	fs := LocalFS{Root: "/srv/export"}
	cases := map[string]string{
		"/2024/01/02/abc":   "/srv/export/2024/01/02/abc",
		"2024/01/02/abc/":   "/srv/export/2024/01/02/abc",
		"/../../etc/passwd": "/srv/export/etc/passwd",
	}
	for in, want := range cases {
		if got := fs.Abs(in); got != want {
			t.Errorf("Abs(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMkdirIsExclusive(t *testing.T) {
	fs := LocalFS{Root: t.TempDir()}
	if err := fs.Mkdir("/claim", 0o770); err != nil {
		t.Fatalf("first mkdir: %v", err)
	}
	if err := fs.Mkdir("/claim", 0o770); !os.IsExist(err) {
		t.Fatalf("second mkdir err = %v, want exist", err)
	}
}

func TestWriteAtomicReplacesContent(t *testing.T) {
	fs := LocalFS{Root: t.TempDir()}
	if err := fs.WriteAtomic("/tpl/a.ini", []byte("one")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := fs.WriteAtomic("/tpl/a.ini", []byte("two")); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	got, err := fs.ReadFile("/tpl/a.ini")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "two" {
		t.Fatalf("content = %q, want two", got)
	}
	entries, _ := os.ReadDir(filepath.Join(fs.Root, "tpl"))
	if len(entries) != 1 {
		t.Fatalf("expected temp files to be cleaned up, got %d entries", len(entries))
	}
}

func TestWriteLockedConcurrentWritersDoNotInterleave(t *testing.T) {
	fs := LocalFS{Root: t.TempDir()}
	a := bytes.Repeat([]byte("a"), 64<<10)
	b := bytes.Repeat([]byte("b"), 32<<10)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		data := a
		if i%2 == 1 {
			data = b
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := fs.WriteLocked("/pointer", data); err != nil {
				t.Errorf("write: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := fs.ReadFile("/pointer")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, a) && !bytes.Equal(got, b) {
		t.Fatalf("content is a mix of writers (len=%d)", len(got))
	}
}

func TestRel(t *testing.T) {
	fs := LocalFS{Root: "/srv/export"}
	rel, ok := fs.Rel("/srv/export/2024/x/config.ini")
	if !ok || rel != "/2024/x/config.ini" {
		t.Fatalf("Rel = %q, %v", rel, ok)
	}
	if _, ok := fs.Rel("/srv/other"); ok {
		t.Fatal("expected path outside root to be rejected")
	}
	if !strings.HasPrefix(fs.Abs("x"), fs.Root) {
		t.Fatal("Abs must be below root")
	}
}
