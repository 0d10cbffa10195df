package linksync

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/knownrules/known/config"
)

// Adopt moves regular files found in the target directories of projectDir
// into its rules directory, creating it if needed, so that a later sync
// replaces them with links. A file whose name already exists in the rules
// directory is left in place and reported as a conflict.
func (s *Synchronizer) Adopt(projectDir string) (*Report, error) {
	rulesDir := filepath.Join(projectDir, config.RulesDir)
	if err := os.MkdirAll(rulesDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create rules directory %s: %w", rulesDir, err)
	}

	matcher := NewIgnoreMatcher(rulesDir, s.ignore)
	rep := &Report{}

	for _, target := range s.targets {
		targetDir := filepath.Join(projectDir, target)
		items, err := os.ReadDir(targetDir)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				s.fail(rep, &EntryError{Op: "adopt", Path: targetDir, Err: err})
			}
			continue
		}

		for _, item := range items {
			name := item.Name()
			if !item.Type().IsRegular() || matcher.ShouldIgnore(name) {
				continue
			}

			src := filepath.Join(targetDir, name)
			dst := filepath.Join(rulesDir, name)
			if _, err := os.Lstat(dst); err == nil {
				e := &EntryError{Op: "adopt", Path: src, Err: fmt.Errorf("%w: %s already exists in the rules directory", ErrConflict, name)}
				rep.Conflicts = append(rep.Conflicts, e)
				s.logger.Warn("not adopting rules file", zap.String("path", src), zap.String("existing", dst))
				continue
			}

			if err := os.Rename(src, dst); err != nil {
				s.fail(rep, &EntryError{Op: "adopt", Path: src, Err: err})
				continue
			}
			rep.Adopted = append(rep.Adopted, dst)
			s.logger.Info("adopted rules file", zap.String("from", src), zap.String("to", dst))
		}
	}
	return rep, nil
}
