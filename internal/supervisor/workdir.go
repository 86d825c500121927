package supervisor

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Directories never copied into a session workdir.
var copyIgnore = map[string]bool{
	".git":          true,
	".venv":         true,
	"__pycache__":   true,
	".mypy_cache":   true,
	".pytest_cache": true,
	".ruff_cache":   true,
	".idea":         true,
	".vscode":       true,
	"node_modules":  true,
}

// materializeWorkdir creates a fresh per-session directory under root and
// fills it with a private copy of the backend asset tree. The directory is
// exclusively owned by the session until Terminate deletes it.
func materializeWorkdir(root, sessionID, assetsDir string) (string, error) {
	workdir, err := os.MkdirTemp(root, "agentgate-"+sessionID[:8]+"-")
	if err != nil {
		return "", fmt.Errorf("create workdir: %w", err)
	}

	if assetsDir == "" {
		return workdir, nil
	}

	if err := copyTree(assetsDir, workdir); err != nil {
		os.RemoveAll(workdir)
		return "", fmt.Errorf("copy backend assets: %w", err)
	}
	return workdir, nil
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if d.IsDir() {
			if copyIgnore[d.Name()] {
				return filepath.SkipDir
			}
			return os.MkdirAll(filepath.Join(dst, rel), 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return copyFile(path, filepath.Join(dst, rel))
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
