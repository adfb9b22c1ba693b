package replay

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// S5: range files come back ordered by the trailing integer in their
// filename, whatever order they were written in.
func TestRangeFilesSortedBySuffix(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "s7.csv"), "range\n1\n")
	writeFile(t, filepath.Join(dir, "s4.csv"), "range\n2\n")
	writeFile(t, filepath.Join(dir, "s5.csv"), "range\n3\n")

	files, err := rangeFilesSortedBySuffix(dir)
	require.NoError(t, err)
	require.Len(t, files, 3)
	require.Equal(t, "s4.csv", filepath.Base(files[0]))
	require.Equal(t, "s5.csv", filepath.Base(files[1]))
	require.Equal(t, "s7.csv", filepath.Base(files[2]))
}

func TestLoadModules(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "modules.csv")
	writeFile(t, path, "module,lat,lon\n4,52.0,16.0\n5,52.1,16.1\n7,52.2,16.2\n")

	mods, err := LoadModules(path)
	require.NoError(t, err)
	require.Len(t, mods, 3)
	require.Equal(t, 4, mods[0].ID)
	require.Equal(t, 7, mods[2].ID)
}

func TestRunEndsWhenShortestFileExhausted(t *testing.T) {
	dir := t.TempDir()
	inputDir := filepath.Join(dir, "ranges")
	require.NoError(t, os.Mkdir(inputDir, 0o755))

	modulesPath := filepath.Join(dir, "modules.csv")
	writeFile(t, modulesPath, "module,lat,lon\n1,52.0,16.0\n2,52.0,16.01\n3,52.01,16.0\n")

	writeFile(t, filepath.Join(inputDir, "s1.csv"), "range\n100\n100\n100\n")
	writeFile(t, filepath.Join(inputDir, "s2.csv"), "range\n120\n120\n")
	writeFile(t, filepath.Join(inputDir, "s3.csv"), "range\n140\n140\n140\n")

	outputPath := filepath.Join(dir, "out.csv")
	err := Run(Config{InputDir: inputDir, ModulesCSV: modulesPath, OutputCSV: outputPath})
	require.NoError(t, err)

	data, err := os.ReadFile(outputPath)
	require.NoError(t, err)
	lines := 0
	for _, b := range data {
		if b == '\n' {
			lines++
		}
	}
	// header + 2 ticks (shortest file has 2 rows)
	require.Equal(t, 3, lines)
}

func TestRunFailsOnModuleRangeCountMismatch(t *testing.T) {
	dir := t.TempDir()
	inputDir := filepath.Join(dir, "ranges")
	require.NoError(t, os.Mkdir(inputDir, 0o755))

	modulesPath := filepath.Join(dir, "modules.csv")
	writeFile(t, modulesPath, "module,lat,lon\n1,52.0,16.0\n2,52.0,16.01\n")
	writeFile(t, filepath.Join(inputDir, "s1.csv"), "range\n100\n")

	err := Run(Config{InputDir: inputDir, ModulesCSV: modulesPath, OutputCSV: filepath.Join(dir, "out.csv")})
	require.Error(t, err)
}
