package fieldmap

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Series file names inside one series directory.
const (
	SeriesMetaFile = "series.json"
	SeriesRealFile = "real.f32"
	SeriesImagFile = "imag.f32"
)

// ErrNotEnoughSeries is returned when fewer series exist than requested.
var ErrNotEnoughSeries = errors.New("not enough image series")

// SeriesMeta describes one complex image series.
type SeriesMeta struct {
	Shape      Shape   `json:"shape"`
	EchoTimeUs float64 `json:"echo_time_us"`
}

// Series is one complex image volume at a single echo time.
type Series struct {
	Dir  string
	Meta SeriesMeta
	Real []float32
	Imag []float32
}

// ListSeries returns the series directories under root, ordered by name with
// runs of digits compared by value, so "9" comes before "10". Hidden
// directories are skipped.
func ListSeries(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to list series in %s: %w", root, err)
	}
	var dirs []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		dir := filepath.Join(root, e.Name())
		if _, err := os.Stat(filepath.Join(dir, SeriesMetaFile)); err == nil {
			dirs = append(dirs, dir)
		}
	}
	sort.Slice(dirs, func(i, j int) bool {
		return naturalLess(filepath.Base(dirs[i]), filepath.Base(dirs[j]))
	})
	return dirs, nil
}

func naturalLess(a, b string) bool {
	for a != "" && b != "" {
		if isDigit(a[0]) && isDigit(b[0]) {
			na, nb := digitRun(a), digitRun(b)
			ta, tb := strings.TrimLeft(na, "0"), strings.TrimLeft(nb, "0")
			if len(ta) != len(tb) {
				return len(ta) < len(tb)
			}
			if ta != tb {
				return ta < tb
			}
			if len(na) != len(nb) {
				return len(na) < len(nb)
			}
			a, b = a[len(na):], b[len(nb):]
			continue
		}
		if a[0] != b[0] {
			return a[0] < b[0]
		}
		a, b = a[1:], b[1:]
	}
	return len(a) < len(b)
}

func isDigit(c byte) bool { return '0' <= c && c <= '9' }

func digitRun(s string) string {
	n := 0
	for n < len(s) && isDigit(s[n]) {
		n++
	}
	return s[:n]
}

// ReadSeries loads the series stored in dir.
func ReadSeries(dir string) (*Series, error) {
	raw, err := os.ReadFile(filepath.Join(dir, SeriesMetaFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read series metadata: %w", err)
	}
	var meta SeriesMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", filepath.Join(dir, SeriesMetaFile), err)
	}
	if !meta.Shape.valid() {
		return nil, fmt.Errorf("series %s has invalid shape %v", dir, meta.Shape)
	}

	re, err := readFloat32s(filepath.Join(dir, SeriesRealFile), meta.Shape.Len())
	if err != nil {
		return nil, err
	}
	im, err := readFloat32s(filepath.Join(dir, SeriesImagFile), meta.Shape.Len())
	if err != nil {
		return nil, err
	}
	return &Series{Dir: dir, Meta: meta, Real: re, Imag: im}, nil
}

func readFloat32s(path string, n int) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	out := make([]float32, n)
	if err := binary.Read(bufio.NewReader(f), binary.LittleEndian, out); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%s holds fewer than %d values", path, n)
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return out, nil
}

// WriteSeries stores s under dir, creating it if needed.
func WriteSeries(dir string, s *Series) error {
	if len(s.Real) != s.Meta.Shape.Len() || len(s.Imag) != s.Meta.Shape.Len() {
		return fmt.Errorf("%w: data length does not match %s", ErrShapeMismatch, s.Meta.Shape)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create series dir: %w", err)
	}
	meta, err := json.MarshalIndent(s.Meta, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, SeriesMetaFile), meta, 0o644); err != nil {
		return fmt.Errorf("failed to write series metadata: %w", err)
	}
	if err := writeFloat32s(filepath.Join(dir, SeriesRealFile), s.Real); err != nil {
		return err
	}
	return writeFloat32s(filepath.Join(dir, SeriesImagFile), s.Imag)
}

func writeFloat32s(path string, data []float32) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	w := bufio.NewWriter(f)
	if err := binary.Write(w, binary.LittleEndian, data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}
