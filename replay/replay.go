// Package replay implements the offline replay driver: it substitutes
// a modules CSV and a set of per-sensor range CSV files for the
// ingress listener, and otherwise runs the same EKF core the online
// fusion loop does.
package replay

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"fusiontrack/ekf"
	"fusiontrack/geo"
	"fusiontrack/internal/obslog"
	"fusiontrack/internal/tracelog"
)

// module is one row of the modules CSV: a sensor's fixed geographic
// position for the whole run.
type module struct {
	ID  int
	Lat float64
	Lon float64
}

// Config describes one offline run.
type Config struct {
	InputDir   string
	ModulesCSV string
	OutputCSV  string
	MaxDist    *float64
	Trace      *tracelog.Logger // optional; nil disables tracing
}

var suffixPattern = regexp.MustCompile(`\D(\d+)\.csv$`)

// LoadModules reads the modules CSV (header: module,lat,lon).
func LoadModules(path string) ([]module, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open modules csv: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read modules csv: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("modules csv is empty")
	}

	mods := make([]module, 0, len(records)-1)
	for _, row := range records[1:] {
		if len(row) < 3 {
			continue
		}
		id, err := strconv.Atoi(row[0])
		if err != nil {
			return nil, fmt.Errorf("modules csv: bad module id %q: %w", row[0], err)
		}
		lat, err := strconv.ParseFloat(row[1], 64)
		if err != nil {
			return nil, fmt.Errorf("modules csv: bad lat %q: %w", row[1], err)
		}
		lon, err := strconv.ParseFloat(row[2], 64)
		if err != nil {
			return nil, fmt.Errorf("modules csv: bad lon %q: %w", row[2], err)
		}
		mods = append(mods, module{ID: id, Lat: lat, Lon: lon})
	}
	return mods, nil
}

// rangeFilesSortedBySuffix finds every *.csv file under dir matching
// the trailing-integer pattern and sorts them ascending by that
// integer, not by directory order or filename lexical order.
func rangeFilesSortedBySuffix(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read input dir: %w", err)
	}

	type numberedFile struct {
		path string
		n    int
	}
	var files []numberedFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := suffixPattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		files = append(files, numberedFile{path: filepath.Join(dir, e.Name()), n: n})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].n < files[j].n })

	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.path
	}
	return out, nil
}

// rangeReader streams one float64 per row from a CSV file, ignoring
// its header row.
type rangeReader struct {
	f   *os.File
	r   *csv.Reader
	got bool // header consumed
}

func newRangeReader(path string) (*rangeReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &rangeReader{f: f, r: csv.NewReader(f)}, nil
}

// next returns the next range value, or io.EOF once the file is
// exhausted.
func (rr *rangeReader) next() (float64, error) {
	if !rr.got {
		rr.got = true
		if _, err := rr.r.Read(); err != nil {
			return 0, err
		}
	}
	row, err := rr.r.Read()
	if err != nil {
		return 0, err
	}
	if len(row) == 0 {
		return 0, fmt.Errorf("empty row")
	}
	return strconv.ParseFloat(row[0], 64)
}

func (rr *rangeReader) close() error { return rr.f.Close() }

// Run executes one offline replay to completion. It writes
// "lat,lon,alt" rows to OutputCSV, one per tick, negating sensor
// ENU east/north before the EKF update (see SPEC_FULL.md §3 on the
// offline-path sign convention), and performs no detection gating:
// every module participates every tick.
func Run(cfg Config) error {
	log := obslog.For("replay")

	mods, err := LoadModules(cfg.ModulesCSV)
	if err != nil {
		return err
	}

	files, err := rangeFilesSortedBySuffix(cfg.InputDir)
	if err != nil {
		return err
	}
	if len(files) != len(mods) {
		return fmt.Errorf("module count %d does not match range file count %d", len(mods), len(files))
	}

	readers := make([]*rangeReader, len(files))
	for i, path := range files {
		rr, err := newRangeReader(path)
		if err != nil {
			return fmt.Errorf("open range file %s: %w", path, err)
		}
		defer rr.close()
		readers[i] = rr
	}

	out, err := os.Create(cfg.OutputCSV)
	if err != nil {
		return fmt.Errorf("create output csv: %w", err)
	}
	defer out.Close()
	w := csv.NewWriter(out)
	defer w.Flush()
	if err := w.Write([]string{"lat", "lon", "alt"}); err != nil {
		return err
	}

	reference := geo.LLA{Lat: mods[0].Lat, Lon: mods[0].Lon, Alt: 0}
	filter := ekf.New(0, 0, cfg.MaxDist)

	const dt = 0.05
	ticks := 0
	for {
		ranges := make([]float64, len(readers))
		exhausted := false
		for i, rr := range readers {
			v, err := rr.next()
			if err == io.EOF {
				exhausted = true
				break
			}
			if err != nil {
				return fmt.Errorf("read range file %s: %w", files[i], err)
			}
			ranges[i] = v
		}
		if exhausted {
			break
		}

		sensors := make([]ekf.Sensor, len(mods))
		for i, m := range mods {
			point := geo.LLA{Lat: m.Lat, Lon: m.Lon, Alt: 0}
			enu := geo.LLAToENU(point, reference)
			sensors[i] = ekf.Sensor{East: -enu.East, North: -enu.North, Range: ranges[i]}
		}

		xPred, pPred := filter.Predict(dt)
		filter.Update(xPred, pPred, sensors)

		x, _ := filter.State()
		lla := geo.ENUToLLA(reference, geo.ENU{East: x.AtVec(0), North: x.AtVec(1), Up: 0})
		if err := w.Write([]string{
			strconv.FormatFloat(lla.Lat, 'f', -1, 64),
			strconv.FormatFloat(lla.Lon, 'f', -1, 64),
			strconv.FormatFloat(lla.Alt, 'f', -1, 64),
		}); err != nil {
			return err
		}
		cfg.Trace.Record(len(sensors), true, tracelog.Estimate{Lat: lla.Lat, Lon: lla.Lon, Alt: lla.Alt})
		ticks++
	}

	log.Info().Int("ticks", ticks).Str("output", cfg.OutputCSV).Msg("replay complete")
	return nil
}
