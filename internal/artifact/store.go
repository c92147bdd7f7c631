package artifact

import (
	"archive/tar"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/shehryarbajwa/browserpool/pkg/models"
)

// ErrNotFound is returned when a task has no saved artifacts.
var ErrNotFound = errors.New("no artifacts saved for task")

const resultFile = "result.json"

// base64 of the PNG signature
const pngPrefix = "iVBORw0KGgo"

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Store persists finished task output on local disk, one folder per task.
type Store struct {
	root string
	mu   sync.Mutex
	dirs map[string]string // taskID -> folder
}

// NewStore creates a new artifact store rooted at root.
func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}
	return &Store{
		root: root,
		dirs: make(map[string]string),
	}, nil
}

// Save writes the result as JSON and any screenshots as PNG files. When the task's
// folder already exists a numeric suffix is added rather than overwriting it.
func (s *Store) Save(taskID string, res *models.TaskResult) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.root, taskID)
	for n := 1; ; n++ {
		if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
			break
		}
		dir = filepath.Join(s.root, fmt.Sprintf("%s_%d", taskID, n))
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create task folder: %w", err)
	}

	data, err := json.MarshalIndent(res, "", "    ")
	if err != nil {
		return "", fmt.Errorf("failed to encode result: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, resultFile), data, 0644); err != nil {
		return "", fmt.Errorf("failed to write result: %w", err)
	}

	for name, value := range res.Extracted {
		if !strings.HasPrefix(value, pngPrefix) {
			continue
		}
		img, err := base64.StdEncoding.DecodeString(value)
		if err != nil {
			continue
		}
		path := filepath.Join(dir, unsafeName.ReplaceAllString(name, "_")+".png")
		if err := os.WriteFile(path, img, 0644); err != nil {
			return "", fmt.Errorf("failed to write screenshot %s: %w", name, err)
		}
	}

	s.dirs[taskID] = dir
	return dir, nil
}

// Dir returns the folder holding a task's artifacts. Folders written before a
// restart are found by name.
func (s *Store) Dir(taskID string) (string, error) {
	if taskID == "" || unsafeName.MatchString(taskID) {
		return "", ErrNotFound
	}

	s.mu.Lock()
	dir, ok := s.dirs[taskID]
	s.mu.Unlock()
	if ok {
		return dir, nil
	}

	dir = filepath.Join(s.root, taskID)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return "", ErrNotFound
	}
	return dir, nil
}

// Archive streams a task's artifacts to w as a tar.gz.
func (s *Store) Archive(taskID string, w io.Writer) error {
	dir, err := s.Dir(taskID)
	if err != nil {
		return err
	}

	gzWriter := gzip.NewWriter(w)
	tarWriter := tar.NewWriter(gzWriter)

	err = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		relPath, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if relPath == "." {
			return nil
		}

		header, err := tar.FileInfoHeader(info, info.Name())
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(relPath)
		if err := tarWriter.WriteHeader(header); err != nil {
			return err
		}

		if info.IsDir() {
			return nil
		}
		file, err := os.Open(path)
		if err != nil {
			return err
		}
		defer file.Close()
		_, err = io.Copy(tarWriter, file)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to archive artifacts: %w", err)
	}

	if err := tarWriter.Close(); err != nil {
		return err
	}
	return gzWriter.Close()
}
