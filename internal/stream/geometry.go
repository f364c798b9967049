package stream

import "fmt"

// Geometry is the immutable piece layout of one file inside a torrent.
type Geometry struct {
	FileOffset  int64
	FileSize    int64
	PieceLength int64
	TotalPieces int
	StartPiece  int
	EndPiece    int
}

// NewGeometry computes the piece span of a file at fileOffset with fileSize
// bytes, clamped to [0, totalPieces-1].
func NewGeometry(fileOffset, fileSize, pieceLength int64, totalPieces int) (Geometry, error) {
	switch {
	case pieceLength <= 0:
		return Geometry{}, fmt.Errorf("%w: piece length %d", ErrInvalidInput, pieceLength)
	case totalPieces <= 0:
		return Geometry{}, fmt.Errorf("%w: torrent has no pieces", ErrInvalidInput)
	case fileOffset < 0 || fileSize <= 0:
		return Geometry{}, fmt.Errorf("%w: file span offset=%d size=%d", ErrInvalidInput, fileOffset, fileSize)
	}

	g := Geometry{
		FileOffset:  fileOffset,
		FileSize:    fileSize,
		PieceLength: pieceLength,
		TotalPieces: totalPieces,
	}
	g.StartPiece = g.clampTotal(int(fileOffset / pieceLength))
	g.EndPiece = g.clampTotal(int((fileOffset + fileSize - 1) / pieceLength))
	return g, nil
}

func (g Geometry) clampTotal(p int) int {
	return max(0, min(p, g.TotalPieces-1))
}

// Clamp limits a piece index to the file's span.
func (g Geometry) Clamp(piece int) int {
	return max(g.StartPiece, min(piece, g.EndPiece))
}

// Contains reports whether piece lies in the file's span.
func (g Geometry) Contains(piece int) bool {
	return piece >= g.StartPiece && piece <= g.EndPiece
}

// NumPieces is the number of pieces the file touches.
func (g Geometry) NumPieces() int {
	return g.EndPiece - g.StartPiece + 1
}

// PieceAt maps a file-relative byte offset to its piece index.
func (g Geometry) PieceAt(offset int64) int {
	return g.Clamp(int((g.FileOffset + offset) / g.PieceLength))
}

// PieceEnd returns the file-relative offset one past the last byte of piece
// that belongs to the file.
func (g Geometry) PieceEnd(piece int) int64 {
	end := int64(piece+1)*g.PieceLength - g.FileOffset
	return max(0, min(end, g.FileSize))
}
