package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/cortexhub/cortex/pkg/log"
	"github.com/cortexhub/cortex/pkg/types"
)

// splitPattern matches split-family weight files of the form
// <base>-NNNNN-of-MMMMM.<ext> with zero-padded five-digit indices.
var splitPattern = regexp.MustCompile(`^(.+)-(\d{5})-of-(\d{5})\.([^.]+)$`)

// mergedSuffixes marks artifacts produced by older merge tooling that the
// current quantized engine cannot consume. They are skipped in favor of
// split families.
var mergedSuffixes = []string{".merged.bin", ".merged.gguf"}

// ResolveWeights resolves a quantized model's configured local path to the
// concrete weight file the engine is pointed at.
//
//   - A path to a single weight file is used as-is.
//   - A directory is scanned for a split family; all M parts must be
//     present, and the engine is pointed at part 1 (it auto-loads the rest).
//   - A directory with no split family must contain exactly one weight file.
func ResolveWeights(root, localPath string) (string, error) {
	abs := filepath.Join(root, localPath)

	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("weight path %s: %w", localPath, err)
	}

	if !info.IsDir() {
		return abs, nil
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		return "", fmt.Errorf("failed to scan weight directory %s: %w", localPath, err)
	}

	logger := log.WithComponent("engine")

	// index -> filename for the first split family found; families are
	// keyed by (base, total, ext).
	type family struct {
		base  string
		total int
		ext   string
		parts map[int]string
	}
	var fam *family
	var plain []string

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()

		if isMergedArtifact(name) {
			logger.Info().Str("file", name).Msg("ignoring merged weight artifact, preferring splits")
			continue
		}

		m := splitPattern.FindStringSubmatch(name)
		if m == nil {
			plain = append(plain, name)
			continue
		}

		idx, _ := strconv.Atoi(m[2])
		total, _ := strconv.Atoi(m[3])
		if fam == nil {
			fam = &family{base: m[1], total: total, ext: m[4], parts: map[int]string{}}
		}
		if m[1] == fam.base && total == fam.total && m[4] == fam.ext {
			fam.parts[idx] = name
		}
	}

	if fam != nil {
		var missing []string
		for i := 1; i <= fam.total; i++ {
			if _, ok := fam.parts[i]; !ok {
				missing = append(missing,
					fmt.Sprintf("%s-%05d-of-%05d.%s", fam.base, i, fam.total, fam.ext))
			}
		}
		sort.Strings(missing)
		if len(missing) > 0 {
			return "", types.NewAPIError(types.CodeIncompleteSplitSet,
				"split weight set %s is missing %d of %d parts", fam.base, len(missing), fam.total).
				WithDetail("missing", missing)
		}
		return filepath.Join(abs, fam.parts[1]), nil
	}

	switch len(plain) {
	case 0:
		return "", fmt.Errorf("no weight files found under %s", localPath)
	case 1:
		return filepath.Join(abs, plain[0]), nil
	default:
		sort.Strings(plain)
		return "", fmt.Errorf("ambiguous weight directory %s: found %s", localPath, strings.Join(plain, ", "))
	}
}

func isMergedArtifact(name string) bool {
	for _, suffix := range mergedSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}
