// Block-level sparse archives for volume images.
//
// Volume images are mostly zeros. A plain copy of a 100MB image writes the
// full 100MB; this format stores only the non-zero 4KB blocks with their
// offsets inside a zstd stream, so archive size and restore time track the
// actual content.
//
// Layout (.sparse.zst):
//   - header: magic [8]byte "XCTFSPR1" + fileSize uint64 (little-endian)
//   - blocks: repeated (offset uint64 + data [4096]byte) for non-zero blocks
//   - end of zstd stream terminates the archive

package volume

import (
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/klauspost/compress/zstd"
)

const (
	archiveBlockSize = 4096
	archiveMagic     = "XCTFSPR1"
)

// ArchiveImage scans srcPath for non-zero blocks and writes a sparse archive
// to dstPath. Returns the number of blocks written.
func ArchiveImage(srcPath, dstPath string) (int, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return 0, fmt.Errorf("open source: %w", err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat source: %w", err)
	}
	fileSize := uint64(info.Size())

	dst, err := os.Create(dstPath)
	if err != nil {
		return 0, fmt.Errorf("create archive: %w", err)
	}
	defer dst.Close()

	zw, err := zstd.NewWriter(dst, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return 0, fmt.Errorf("create zstd writer: %w", err)
	}

	if _, err := zw.Write([]byte(archiveMagic)); err != nil {
		zw.Close()
		return 0, fmt.Errorf("write magic: %w", err)
	}
	var sizeBuf [8]byte
	binary.LittleEndian.PutUint64(sizeBuf[:], fileSize)
	if _, err := zw.Write(sizeBuf[:]); err != nil {
		zw.Close()
		return 0, fmt.Errorf("write file size: %w", err)
	}

	buf := make([]byte, archiveBlockSize)
	var offsetBuf [8]byte
	blocks := 0

	for offset := uint64(0); offset < fileSize; offset += archiveBlockSize {
		n, err := io.ReadFull(src, buf)
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			zw.Close()
			return 0, fmt.Errorf("read block at offset %d: %w", offset, err)
		}
		if n == 0 {
			break
		}
		if isZeroBlock(buf[:n]) {
			continue
		}

		binary.LittleEndian.PutUint64(offsetBuf[:], offset)
		if _, err := zw.Write(offsetBuf[:]); err != nil {
			zw.Close()
			return 0, fmt.Errorf("write offset: %w", err)
		}
		if _, err := zw.Write(buf[:n]); err != nil {
			zw.Close()
			return 0, fmt.Errorf("write block data: %w", err)
		}
		blocks++
	}

	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("close zstd: %w", err)
	}
	return blocks, nil
}

// RestoreImage reconstructs a volume image from a sparse archive. The output
// is truncated to full size up front so only non-zero blocks touch disk.
func RestoreImage(archivePath, dstPath string) error {
	t0 := time.Now()

	src, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer src.Close()

	zr, err := zstd.NewReader(src)
	if err != nil {
		return fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	var header [8]byte
	if _, err := io.ReadFull(zr, header[:]); err != nil {
		return fmt.Errorf("read magic: %w", err)
	}
	if string(header[:]) != archiveMagic {
		return fmt.Errorf("invalid magic: %q (expected %q)", header[:], archiveMagic)
	}

	var sizeBuf [8]byte
	if _, err := io.ReadFull(zr, sizeBuf[:]); err != nil {
		return fmt.Errorf("read file size: %w", err)
	}
	fileSize := binary.LittleEndian.Uint64(sizeBuf[:])

	dst, err := os.Create(dstPath)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer dst.Close()

	if err := dst.Truncate(int64(fileSize)); err != nil {
		return fmt.Errorf("truncate to %d: %w", fileSize, err)
	}

	var offsetBuf [8]byte
	buf := make([]byte, archiveBlockSize)
	blocks := 0

	for {
		_, err := io.ReadFull(zr, offsetBuf[:])
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read block offset: %w", err)
		}
		offset := binary.LittleEndian.Uint64(offsetBuf[:])

		n, err := io.ReadFull(zr, buf)
		if err != nil && err != io.ErrUnexpectedEOF {
			return fmt.Errorf("read block data at offset %d: %w", offset, err)
		}
		if _, err := dst.WriteAt(buf[:n], int64(offset)); err != nil {
			return fmt.Errorf("write block at offset %d: %w", offset, err)
		}
		blocks++
	}

	log.Printf("volume: restored %s (%d blocks, %d MB apparent, %dms)",
		dstPath, blocks, fileSize/1024/1024, time.Since(t0).Milliseconds())
	return nil
}

func isZeroBlock(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
