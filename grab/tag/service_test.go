package tag

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/Sorrow446/go-mp4tag"

	"qishuigrab/grab/pipeline"
)

func mp4Box(boxType string, payload ...[]byte) []byte {
	size := 8
	for _, p := range payload {
		size += len(p)
	}
	out := binary.BigEndian.AppendUint32(make([]byte, 0, size), uint32(size))
	out = append(out, boxType...)
	for _, p := range payload {
		out = append(out, p...)
	}
	return out
}

// writeMinimalM4A lays down the smallest container the tagger accepts:
// ftyp, a moov holding mvhd, an empty udta/meta/ilst chain, and a stub
// trak with a zero-entry stco (the tagger insists on the chunk-offset
// table even when no audio is present), plus a stub mdat.
func writeMinimalM4A(t *testing.T, path string) {
	t.Helper()

	mvhd := make([]byte, 100)
	binary.BigEndian.PutUint32(mvhd[12:], 1000)       // timescale
	binary.BigEndian.PutUint32(mvhd[20:], 0x00010000) // rate 1.0
	binary.BigEndian.PutUint16(mvhd[24:], 0x0100)     // volume 1.0
	binary.BigEndian.PutUint32(mvhd[36:], 0x00010000) // unity matrix
	binary.BigEndian.PutUint32(mvhd[52:], 0x00010000)
	binary.BigEndian.PutUint32(mvhd[68:], 0x40000000)
	binary.BigEndian.PutUint32(mvhd[96:], 1) // next track id

	hdlr := make([]byte, 25)
	copy(hdlr[8:], "mdir")
	copy(hdlr[12:], "appl")

	data := bytes.Join([][]byte{
		mp4Box("ftyp", []byte("M4A "), make([]byte, 4), []byte("M4A ")),
		mp4Box("moov",
			mp4Box("mvhd", mvhd),
			mp4Box("trak",
				mp4Box("mdia",
					mp4Box("minf",
						mp4Box("stbl",
							mp4Box("stco", make([]byte, 8)),
						),
					),
				),
			),
			mp4Box("udta",
				mp4Box("meta", make([]byte, 4),
					mp4Box("hdlr", hdlr),
					mp4Box("ilst"),
				),
			),
		),
		mp4Box("mdat", make([]byte, 8)),
	}, nil)

	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
}

func TestEmbedRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "track.m4a")
	writeMinimalM4A(t, path)

	cover := []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00, 0xFF, 0xD9}

	s := NewService(nil)
	if err := s.Embed(path, cover, "T", "A"); err != nil {
		t.Fatalf("embed: %v", err)
	}

	container, err := mp4tag.Open(path)
	if err != nil {
		t.Fatalf("reopen tagged file: %v", err)
	}
	defer container.Close()

	tags, err := container.Read()
	if err != nil {
		t.Fatalf("read tags: %v", err)
	}
	if tags.Title != "T" {
		t.Errorf("Title = %q, want %q", tags.Title, "T")
	}
	if tags.Artist != "A" {
		t.Errorf("Artist = %q, want %q", tags.Artist, "A")
	}
	if len(tags.Pictures) != 1 {
		t.Fatalf("expected 1 picture, got %d", len(tags.Pictures))
	}
	if !bytes.Equal(tags.Pictures[0].Data, cover) {
		t.Errorf("cover bytes changed on round trip")
	}
}

func TestEmbedWithoutCoverKeepsTextAtoms(t *testing.T) {
	path := filepath.Join(t.TempDir(), "track.m4a")
	writeMinimalM4A(t, path)

	s := NewService(nil)
	if err := s.Embed(path, nil, "Song", "Artist"); err != nil {
		t.Fatalf("embed: %v", err)
	}

	container, err := mp4tag.Open(path)
	if err != nil {
		t.Fatalf("reopen tagged file: %v", err)
	}
	defer container.Close()

	tags, err := container.Read()
	if err != nil {
		t.Fatalf("read tags: %v", err)
	}
	if tags.Title != "Song" || tags.Artist != "Artist" {
		t.Errorf("tags = %q / %q, want Song / Artist", tags.Title, tags.Artist)
	}
	if len(tags.Pictures) != 0 {
		t.Errorf("expected no pictures, got %d", len(tags.Pictures))
	}
}

func TestEmbedMissingFile(t *testing.T) {
	s := NewService(nil)
	err := s.Embed(filepath.Join(t.TempDir(), "missing.m4a"), nil, "T", "A")
	if !errors.Is(err, pipeline.ErrInvalidContainer) {
		t.Fatalf("expected invalid container error, got %v", err)
	}
}

func TestEmbedGarbageFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.m4a")
	if err := os.WriteFile(path, []byte("this is not an mp4 container"), 0o644); err != nil {
		t.Fatalf("write garbage file: %v", err)
	}

	s := NewService(nil)
	err := s.Embed(path, []byte{0xFF, 0xD8}, "T", "A")
	if !errors.Is(err, pipeline.ErrInvalidContainer) {
		t.Fatalf("expected invalid container error, got %v", err)
	}
}
