/*
Kurier - composable mail transfer agent library.
Copyright © 2020-2024 The Kurier authors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package buffer

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func readAll(t *testing.T, b Buffer) string {
	t.Helper()
	r, err := b.Open()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	content, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	return string(content)
}

func TestMemoryBuffer(t *testing.T) {
	b, err := BufferInMemory(strings.NewReader("foobar"))
	if err != nil {
		t.Fatal(err)
	}
	if b.Len() != 6 {
		t.Fatalf("Len() = %d", b.Len())
	}
	if got := readAll(t, b); got != "foobar" {
		t.Fatalf("content %q", got)
	}
	// Every Open is an independent reader.
	if got := readAll(t, b); got != "foobar" {
		t.Fatalf("content on reopen %q", got)
	}
	if err := b.Remove(); err != nil {
		t.Fatal(err)
	}
}

func TestFileBuffer(t *testing.T) {
	dir := t.TempDir()
	b, err := BufferInFile(strings.NewReader("foobar"), dir)
	if err != nil {
		t.Fatal(err)
	}
	fb, ok := b.(FileBuffer)
	if !ok {
		t.Fatalf("BufferInFile returned a %T", b)
	}
	if filepath.Dir(fb.Path) != dir {
		t.Fatalf("content stored outside the given directory: %s", fb.Path)
	}

	if b.Len() != 6 {
		t.Fatalf("Len() = %d", b.Len())
	}
	if got := readAll(t, b); got != "foobar" {
		t.Fatalf("content %q", got)
	}
	if got := readAll(t, b); got != "foobar" {
		t.Fatalf("content on reopen %q", got)
	}

	if err := b.Remove(); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Open(); err == nil {
		t.Fatal("Open succeeded after Remove")
	}
	if _, err := os.Stat(fb.Path); !os.IsNotExist(err) {
		t.Fatalf("file not removed: %v", err)
	}
}

func TestFileBuffer_Offset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "record")
	record := "header: value\r\n\r\nbody"
	if err := os.WriteFile(path, []byte(record), 0600); err != nil {
		t.Fatal(err)
	}

	b := FileBuffer{Path: path, Offset: int64(strings.Index(record, "body"))}
	if b.Len() != 4 {
		t.Fatalf("Len() = %d", b.Len())
	}
	if got := readAll(t, b); got != "body" {
		t.Fatalf("content %q", got)
	}
}

func TestFileBuffer_RemoveLeavesOpenReaders(t *testing.T) {
	b, err := BufferInFile(strings.NewReader("foobar"), t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	r, err := b.Open()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	if err := b.Remove(); err != nil {
		t.Fatal(err)
	}
	content, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "foobar" {
		t.Fatalf("content %q", content)
	}
}

func TestBufferInFile_SourceError(t *testing.T) {
	dir := t.TempDir()
	if _, err := BufferInFile(failReader{}, dir); err == nil {
		t.Fatal("no error for a failing source")
	}

	// The half-written file must not be left behind.
	ents, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(ents) != 0 {
		t.Fatalf("%d files left behind", len(ents))
	}
}

type failReader struct{}

func (failReader) Read([]byte) (int, error) {
	return 0, errors.New("source failed")
}
