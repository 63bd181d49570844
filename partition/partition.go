// Package partition splits a corpus into small fixed-size files, so single posts can be sampled
// without reading the whole corpus: pick a random partition, then a random line in it.
package partition

import (
	"bufio"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/pkg/errors"
)

// DefaultLinesPerFile is the size of each partition.
const DefaultLinesPerFile = 100

var partitionName = regexp.MustCompile(`^\d{3,}\.txt$`)

// FileName of the i-th partition: 000.txt, 001.txt, ...
func FileName(i int) string {
	return fmt.Sprintf("%03d.txt", i)
}

// Partition copies the non-blank lines of every regular file in srcDir, in file name order,
// into dstDir as partitions of linesPerFile lines each. The last partition may be shorter.
// It returns the number of partitions written.
func Partition(srcDir, dstDir string, linesPerFile int) (int, error) {
	if linesPerFile <= 0 {
		return 0, errors.Errorf("lines per file must be positive, got %d", linesPerFile)
	}
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to list %s", srcDir)
	}
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return 0, errors.Wrapf(err, "failed to create %s", dstDir)
	}

	w := &writer{dir: dstDir, linesPerFile: linesPerFile}
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if err := w.copyLines(filepath.Join(srcDir, entry.Name())); err != nil {
			_ = w.close()
			return w.numFiles, err
		}
	}
	if err := w.close(); err != nil {
		return w.numFiles, err
	}
	return w.numFiles, nil
}

// writer rotates partition files as lines are written.
type writer struct {
	dir          string
	linesPerFile int

	numFiles int
	numLines int
	file     *os.File
	buf      *bufio.Writer
}

func (w *writer) copyLines(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "failed to open %s", path)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if err := w.writeLine(line); err != nil {
			return err
		}
	}
	return errors.Wrapf(scanner.Err(), "failed to read %s", path)
}

func (w *writer) writeLine(line string) error {
	if w.file == nil || w.numLines == w.linesPerFile {
		if err := w.close(); err != nil {
			return err
		}
		path := filepath.Join(w.dir, FileName(w.numFiles))
		f, err := os.Create(path)
		if err != nil {
			return errors.Wrapf(err, "failed to create %s", path)
		}
		w.file, w.buf = f, bufio.NewWriter(f)
		w.numFiles++
		w.numLines = 0
	} else if err := w.buf.WriteByte('\n'); err != nil {
		return errors.Wrapf(err, "failed to write %s", w.file.Name())
	}
	w.numLines++
	_, err := w.buf.WriteString(line)
	return errors.Wrapf(err, "failed to write %s", w.file.Name())
}

func (w *writer) close() error {
	if w.file == nil {
		return nil
	}
	f := w.file
	w.file = nil
	if err := w.buf.Flush(); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to write %s", f.Name())
	}
	return errors.Wrapf(f.Close(), "failed to close %s", f.Name())
}

// List returns the partition files of dir, sorted.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list %s", dir)
	}
	var names []string
	for _, entry := range entries {
		if entry.Type().IsRegular() && partitionName.MatchString(entry.Name()) {
			names = append(names, entry.Name())
		}
	}
	slices.Sort(names)
	return names, nil
}

// Line is a line sampled from a partition.
type Line struct {
	Path   string
	Number int // 1-based
	Text   string
}

// Sample returns a random line: a random partition of dir is picked first, then a random line
// within it. Lines are therefore not uniformly sampled when the last partition is shorter.
func Sample(dir string, rng *rand.Rand) (*Line, error) {
	names, err := List(dir)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, errors.Errorf("no partitions in %s", dir)
	}
	path := filepath.Join(dir, names[rng.IntN(len(names))])
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	lines := strings.Split(string(content), "\n")
	ii := rng.IntN(len(lines))
	return &Line{Path: path, Number: ii + 1, Text: lines[ii]}, nil
}
