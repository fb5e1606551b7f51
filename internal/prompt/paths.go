package prompt

import (
	"os"
	"path/filepath"
	"strings"
)

// SanitizePaths filters file paths before they are embedded in a prompt.
// Absolute paths, traversal (`..`), home-relative paths (`~`), and files
// that do not exist under the working directory are dropped. The result
// preserves input order.
func SanitizePaths(workingDir string, paths []string) []string {
	var safe []string
	for _, p := range paths {
		if p == "" || filepath.IsAbs(p) {
			continue
		}
		if strings.HasPrefix(p, "~") {
			continue
		}
		clean := filepath.Clean(p)
		if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || strings.Contains(p, "..") {
			continue
		}
		full := filepath.Join(workingDir, clean)
		info, err := os.Stat(full)
		if err != nil || info.IsDir() {
			continue
		}
		safe = append(safe, p)
	}
	return safe
}

// PreviewFile reads up to maxLines lines of a file under workingDir for
// embedding in a fix prompt. Missing files yield an empty string.
func PreviewFile(workingDir, path string, maxLines int) string {
	data, err := os.ReadFile(filepath.Join(workingDir, path))
	if err != nil {
		return ""
	}
	lines := strings.Split(string(data), "\n")
	if len(lines) > maxLines {
		lines = lines[:maxLines]
	}
	return strings.Join(lines, "\n")
}
