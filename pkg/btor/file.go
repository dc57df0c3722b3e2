package btor

import (
	"fmt"
	"path"

	"github.com/namvu9/bencode"
)

// Size is a byte count
type Size uint64

const (
	KiB = 1024
	MiB = 1024 * 1024
	GiB = 1024 * 1024 * 1024
)

// A File describes one file of a torrent's payload. Offset
// is the file's absolute byte offset within the payload;
// pieces are cut from the payload without regard for file
// boundaries, so a piece may straddle two or more files.
type File struct {
	Name     string
	FullPath string
	Offset   Size
	Length   Size
}

// FirstPiece returns the index of the first piece containing
// file data
func (f File) FirstPiece(pieceLength Size) int {
	return int(f.Offset / pieceLength)
}

// LastPiece returns the index of the last piece containing
// file data
func (f File) LastPiece(pieceLength Size) int {
	if f.Length == 0 {
		return f.FirstPiece(pieceLength)
	}

	return int((f.Offset + f.Length - 1) / pieceLength)
}

func newFile(segments bencode.List, offset, length Size) File {
	var p string
	for _, segment := range segments {
		s, _ := segment.ToBytes()
		p = path.Join(p, string(s))
	}

	return File{
		Name:     path.Base(p),
		FullPath: p,
		Offset:   offset,
		Length:   length,
	}
}

func (fs Size) KiB() float64 {
	return float64(fs) / KiB
}

func (fs Size) MiB() float64 {
	return float64(fs) / MiB
}

func (fs Size) GiB() float64 {
	return float64(fs) / GiB
}

func (fs Size) String() string {
	if fs < 1024 {
		return fmt.Sprintf("%d B", fs)
	}

	if fs < 1024*1024 {
		return fmt.Sprintf("%.2f KiB", fs.KiB())
	}

	if fs < 1024*1024*1024 {
		return fmt.Sprintf("%.2f MiB", fs.MiB())
	}

	return fmt.Sprintf("%.2f GiB", fs.GiB())
}
