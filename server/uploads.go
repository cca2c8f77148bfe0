package server

import (
	"bytes"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"warpchat/protocol"
)

var (
	ErrNoFile       = errors.New("no file uploaded")
	ErrFileTooLarge = errors.New("file too large")
)

// UploadURLPrefix is where stored blobs are served from.
const UploadURLPrefix = "/uploads/"

var unsafeNameChars = regexp.MustCompile(`(?i)[^a-z0-9.]`)

// Blob describes one stored upload.
type Blob struct {
	URL  string
	Type string
	Name string
	Path string
	Size int64
}

// UploadStore keeps media blobs on disk and hands out their URLs. Message
// rows only ever hold the URL.
type UploadStore struct {
	dir       string
	maxBytes  int64
	retention time.Duration

	mu   sync.Mutex
	stop chan struct{}
}

func NewUploadStore(dir string, maxBytes int64, retention time.Duration) (*UploadStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create upload dir %s", dir)
	}
	return &UploadStore{
		dir:       dir,
		maxBytes:  maxBytes,
		retention: retention,
	}, nil
}

func sanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		name = "file"
	}
	return unsafeNameChars.ReplaceAllString(name, "_")
}

// Save writes r under a unique name derived from name. declared is the
// content type sent by the client; it is used unless it is generic.
func (u *UploadStore) Save(name, declared string, r io.Reader) (*Blob, error) {
	stored := uuid.NewString() + "-" + sanitizeFilename(name)
	path := filepath.Join(u.dir, stored)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "create blob")
	}

	var src io.Reader = r
	if u.maxBytes > 0 {
		src = io.LimitReader(r, u.maxBytes+1)
	}

	head := make([]byte, 512)
	n, err := io.ReadFull(src, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		f.Close()
		os.Remove(path)
		return nil, errors.Wrap(err, "read upload")
	}
	head = head[:n]

	size, err := io.Copy(f, io.MultiReader(bytes.NewReader(head), src))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return nil, errors.Wrap(err, "write blob")
	}
	if u.maxBytes > 0 && size > u.maxBytes {
		os.Remove(path)
		return nil, ErrFileTooLarge
	}

	return &Blob{
		URL:  UploadURLPrefix + stored,
		Type: detectType(declared, name, head),
		Name: name,
		Path: path,
		Size: size,
	}, nil
}

func detectType(declared, name string, head []byte) string {
	if declared != "" && declared != "application/octet-stream" {
		return declared
	}
	if byExt := mime.TypeByExtension(filepath.Ext(name)); byExt != "" {
		return byExt
	}
	return http.DetectContentType(head)
}

// ServeHTTP accepts a multipart upload with a single "file" field.
func (u *UploadStore) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeUploadResponse(w, http.StatusMethodNotAllowed, protocol.UploadResponse{Status: protocol.StatusError, Message: "Method not allowed"})
		return
	}
	if u.maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, u.maxBytes+1<<20)
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeUploadResponse(w, http.StatusBadRequest, protocol.UploadResponse{Status: protocol.StatusError, Message: "No file uploaded"})
		return
	}
	defer file.Close()

	blob, err := u.Save(header.Filename, header.Header.Get("Content-Type"), file)
	switch {
	case errors.Is(err, ErrFileTooLarge):
		writeUploadResponse(w, http.StatusRequestEntityTooLarge, protocol.UploadResponse{Status: protocol.StatusError, Message: "File too large"})
		return
	case err != nil:
		jww.ERROR.Printf("Upload failed: %v", err)
		writeUploadResponse(w, http.StatusInternalServerError, protocol.UploadResponse{Status: protocol.StatusError, Message: "Internal server error"})
		return
	}

	jww.INFO.Printf("Stored upload %s (%d bytes, %s)", blob.URL, blob.Size, blob.Type)
	writeUploadResponse(w, http.StatusOK, protocol.UploadResponse{
		Status: protocol.StatusOK,
		URL:    blob.URL,
		Type:   blob.Type,
		Name:   blob.Name,
	})
}

func writeUploadResponse(w http.ResponseWriter, code int, resp protocol.UploadResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(resp)
}

// FileServer serves stored blobs under UploadURLPrefix.
func (u *UploadStore) FileServer() http.Handler {
	return http.StripPrefix(UploadURLPrefix, http.FileServer(http.Dir(u.dir)))
}

// CleanExpired removes blobs older than the retention period and returns
// how many were removed. A zero retention keeps everything.
func (u *UploadStore) CleanExpired() int {
	if u.retention <= 0 {
		return 0
	}
	u.mu.Lock()
	defer u.mu.Unlock()

	entries, err := os.ReadDir(u.dir)
	if err != nil {
		jww.WARN.Printf("Failed to list uploads: %v", err)
		return 0
	}

	cutoff := time.Now().Add(-u.retention)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(u.dir, entry.Name())); err != nil {
			jww.WARN.Printf("Failed to remove expired upload %s: %v", entry.Name(), err)
			continue
		}
		jww.DEBUG.Printf("Cleaning expired upload %s", entry.Name())
		removed++
	}
	return removed
}

// StartCleanupTask runs CleanExpired every interval until Close.
func (u *UploadStore) StartCleanupTask(interval time.Duration) {
	if u.retention <= 0 {
		return
	}
	u.mu.Lock()
	if u.stop != nil {
		u.mu.Unlock()
		return
	}
	u.stop = make(chan struct{})
	stop := u.stop
	u.mu.Unlock()

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := u.CleanExpired(); n > 0 {
					jww.INFO.Printf("Removed %d expired uploads", n)
				}
			case <-stop:
				return
			}
		}
	}()
}

func (u *UploadStore) Close() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.stop != nil {
		close(u.stop)
		u.stop = nil
	}
}
