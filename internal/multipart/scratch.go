package multipart

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/s3gate/s3gate/internal/uid"
)

// MaxPartNumber is the highest part number S3 accepts.
const MaxPartNumber = 10000

// maxNameToken is the longest upload id used verbatim in a scratch file name.
const maxNameToken = 200

// nameToken returns the form of uploadID used in scratch file names.
func nameToken(uploadID string) string {
	if len(uploadID) <= maxNameToken {
		return uploadID
	}
	sum := sha256.Sum256([]byte(uploadID))
	return "~" + hex.EncodeToString(sum[:])
}

// Scratch is the on-disk staging area for multipart parts, assembled
// objects and spooled single-shot uploads. Files are laid out per bucket:
//
//	<dir>/<bucket>/<partNumber>-<uploadID>   one uploaded part
//	<dir>/<bucket>/complete-<uploadID>       the assembled object
//	<dir>/<bucket>/<unixnano>-<uid>          a spooled PutObject body
//
// Upload ids longer than maxNameToken are replaced by "~" and the hex
// SHA-256 of the id, keeping every name under the filesystem's 255 byte
// limit. "~" is outside the base64url alphabet, so the two forms never
// collide.
//
// Every file is written to <dir>/.tmp first and renamed into place, so a
// reader never sees a partial file and racing writers are last-write-wins.
type Scratch struct {
	Dir string
}

// SpoolFile is a request body staged on disk.
type SpoolFile struct {
	Path string
	Size int64
	// MD5 is the hex digest of the content.
	MD5 string
}

// NewScratch creates the scratch directory and its temp area.
func NewScratch(dir string) (*Scratch, error) {
	if err := os.MkdirAll(filepath.Join(dir, ".tmp"), 0o755); err != nil {
		return nil, fmt.Errorf("creating scratch directory %q: %w", dir, err)
	}
	return &Scratch{Dir: dir}, nil
}

func (s *Scratch) bucketDir(bucket string) (string, error) {
	if bucket == "" || bucket == "." || bucket == ".." || strings.ContainsAny(bucket, `/\`) {
		return "", fmt.Errorf("invalid bucket name %q for scratch path", bucket)
	}
	return filepath.Join(s.Dir, bucket), nil
}

// PartPath returns the scratch file of one part.
func (s *Scratch) PartPath(bucket, uploadID string, partNumber int) string {
	return filepath.Join(s.Dir, bucket, strconv.Itoa(partNumber)+"-"+nameToken(uploadID))
}

// AssemblyPath returns the file the parts of an upload are concatenated into.
func (s *Scratch) AssemblyPath(bucket, uploadID string) string {
	return filepath.Join(s.Dir, bucket, "complete-"+nameToken(uploadID))
}

// HasPart reports whether the part's scratch file is present.
func (s *Scratch) HasPart(bucket, uploadID string, partNumber int) bool {
	fi, err := os.Stat(s.PartPath(bucket, uploadID, partNumber))
	return err == nil && fi.Mode().IsRegular()
}

// writeAtomic copies r into a temp file, fsyncs it and renames it to dst.
func (s *Scratch) writeAtomic(dst string, r io.Reader) (int64, []byte, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, nil, fmt.Errorf("creating scratch bucket directory: %w", err)
	}
	tmpPath := filepath.Join(s.Dir, ".tmp", "tmp-"+uid.New())
	tmpFile, err := os.Create(tmpPath)
	if err != nil {
		return 0, nil, fmt.Errorf("creating temp file: %w", err)
	}

	h := md5.New()
	n, err := io.Copy(tmpFile, io.TeeReader(r, h))
	if err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return 0, nil, fmt.Errorf("writing scratch data: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return 0, nil, fmt.Errorf("syncing scratch file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, nil, fmt.Errorf("closing scratch file: %w", err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return 0, nil, fmt.Errorf("renaming scratch file: %w", err)
	}
	return n, h.Sum(nil), nil
}

// WritePart stores one part, replacing any earlier upload of the same
// part number. It returns the size and the MD5 digest of the data.
func (s *Scratch) WritePart(bucket, uploadID string, partNumber int, r io.Reader) (int64, []byte, error) {
	if _, err := s.bucketDir(bucket); err != nil {
		return 0, nil, err
	}
	return s.writeAtomic(s.PartPath(bucket, uploadID, partNumber), r)
}

// Spool stages a single-shot upload body under a unique name. The caller
// removes the file once the backend has taken it.
func (s *Scratch) Spool(bucket string, r io.Reader) (*SpoolFile, error) {
	dir, err := s.bucketDir(bucket)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(dir, strconv.FormatInt(time.Now().UnixNano(), 10)+"-"+uid.New())
	n, sum, err := s.writeAtomic(path, r)
	if err != nil {
		return nil, err
	}
	return &SpoolFile{Path: path, Size: n, MD5: hex.EncodeToString(sum)}, nil
}

// Assemble concatenates the listed parts, in the order given, into the
// upload's assembly file and returns its size and the composite ETag
// "md5(concat(part md5s))-N". A missing part fails with ErrInvalidPart.
func (s *Scratch) Assemble(bucket, uploadID string, partNumbers []int) (string, int64, string, error) {
	if _, err := s.bucketDir(bucket); err != nil {
		return "", 0, "", err
	}
	dst := s.AssemblyPath(bucket, uploadID)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", 0, "", fmt.Errorf("creating scratch bucket directory: %w", err)
	}
	tmpPath := filepath.Join(s.Dir, ".tmp", "tmp-"+uid.New())
	tmpFile, err := os.Create(tmpPath)
	if err != nil {
		return "", 0, "", fmt.Errorf("creating temp file for assembly: %w", err)
	}
	fail := func(err error) (string, int64, string, error) {
		tmpFile.Close()
		os.Remove(tmpPath)
		return "", 0, "", err
	}

	var total int64
	composite := md5.New()
	for _, pn := range partNumbers {
		partFile, err := os.Open(s.PartPath(bucket, uploadID, pn))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fail(fmt.Errorf("part %d: %w", pn, ErrInvalidPart))
			}
			return fail(fmt.Errorf("opening part %d: %w", pn, err))
		}
		partHash := md5.New()
		n, err := io.Copy(tmpFile, io.TeeReader(partFile, partHash))
		partFile.Close()
		if err != nil {
			return fail(fmt.Errorf("copying part %d: %w", pn, err))
		}
		total += n
		composite.Write(partHash.Sum(nil))
	}

	if err := tmpFile.Sync(); err != nil {
		return fail(fmt.Errorf("syncing assembled file: %w", err))
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return "", 0, "", fmt.Errorf("closing assembled file: %w", err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return "", 0, "", fmt.Errorf("renaming assembled file: %w", err)
	}

	etag := fmt.Sprintf(`"%x-%d"`, composite.Sum(nil), len(partNumbers))
	return dst, total, etag, nil
}

// RemoveParts deletes the scratch files of the given parts.
func (s *Scratch) RemoveParts(bucket, uploadID string, partNumbers []int) {
	for _, pn := range partNumbers {
		os.Remove(s.PartPath(bucket, uploadID, pn))
	}
	s.pruneBucket(bucket)
}

// Remove deletes one scratch file. Missing files are ignored.
func (s *Scratch) Remove(path string) {
	os.Remove(path)
}

// pruneBucket removes the bucket directory once it is empty.
func (s *Scratch) pruneBucket(bucket string) {
	if dir, err := s.bucketDir(bucket); err == nil {
		os.Remove(dir) // fails while other files remain
	}
}

// CleanTempFiles removes interrupted writes and spooled bodies left behind by
// a crash. Part files are kept for Recover.
func (s *Scratch) CleanTempFiles() error {
	tmpDir := filepath.Join(s.Dir, ".tmp")
	entries, err := os.ReadDir(tmpDir)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reading temp directory: %w", err)
	}
	for _, e := range entries {
		os.RemoveAll(filepath.Join(tmpDir, e.Name()))
	}

	buckets, err := os.ReadDir(s.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading scratch directory: %w", err)
	}
	for _, b := range buckets {
		if !b.IsDir() || b.Name() == ".tmp" {
			continue
		}
		files, err := os.ReadDir(filepath.Join(s.Dir, b.Name()))
		if err != nil {
			continue
		}
		for _, f := range files {
			if isSpoolName(f.Name()) || strings.HasPrefix(f.Name(), "complete-") {
				os.Remove(filepath.Join(s.Dir, b.Name(), f.Name()))
			}
		}
	}
	return nil
}

// isSpoolName reports whether name has a numeric prefix too large to be a
// part number, which marks a spooled single-shot upload.
func isSpoolName(name string) bool {
	prefix, _, ok := strings.Cut(name, "-")
	if !ok {
		return false
	}
	n, err := strconv.ParseInt(prefix, 10, 64)
	return err == nil && n > MaxPartNumber
}
