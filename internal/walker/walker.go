// Package walker performs the depth-first, glob-filtered directory
// traversal that feeds a backup walk: starting at a share root, it
// yields a manifest.FileManifest for every file and directory that
// survives the include/exclude filters.
//
// The source this is grounded on (file-walker.cpp) evaluates a
// directory's own include/exclude match only after already having
// recursed into it, so an excluded directory's children were still
// visited before the exclusion took effect. Walk corrects this per the
// redesign note in spec.md §9: filtering happens strictly before
// recursion, so an excluded directory is never descended into at all.
package walker

import (
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"

	"woodstock/internal/manifest"
)

// Config selects what Walk visits within one share.
type Config struct {
	ShareRoot string
	Includes  []string
	Excludes  []string
}

// Result is one visited filesystem entry together with any error
// encountered producing it. A non-nil Err means Manifest is incomplete;
// Walk still continues past it.
type Result struct {
	Manifest manifest.FileManifest
	Err      error
}

// Walk performs a depth-first traversal of cfg.ShareRoot, calling visit
// for every file and directory entry that passes the include/exclude
// filters. Errors encountered on individual entries are reported via
// Result.Err and do not abort the walk; visit itself returning an error
// does abort it.
func Walk(cfg Config, visit func(Result) error) error {
	return walkDir(cfg, cfg.ShareRoot, visit)
}

func walkDir(cfg Config, dir string, visit func(Result) error) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return visit(Result{Err: err})
	}

	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		rel, err := filepath.Rel(cfg.ShareRoot, path)
		if err != nil {
			if err := visit(Result{Err: err}); err != nil {
				return err
			}
			continue
		}

		if !included(cfg, rel) {
			continue
		}

		info, err := os.Lstat(path)
		if err != nil {
			if err := visit(Result{Err: err}); err != nil {
				return err
			}
			continue
		}

		fm := toFileManifest(path, info)
		if err := visit(Result{Manifest: fm}); err != nil {
			return err
		}

		if info.IsDir() {
			if err := walkDir(cfg, path, visit); err != nil {
				return err
			}
		}
	}
	return nil
}

// included applies the include-then-exclude filter to rel, the path
// relative to the share root, strictly before any recursion decision
// is made.
func included(cfg Config, rel string) bool {
	if len(cfg.Includes) > 0 {
		matched := false
		for _, pattern := range cfg.Includes {
			if ok, _ := doublestar.Match(pattern, rel); ok {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	for _, pattern := range cfg.Excludes {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return false
		}
	}
	return true
}

func toFileManifest(path string, info os.FileInfo) manifest.FileManifest {
	fm := manifest.FileManifest{
		Path:         path,
		LastModified: info.ModTime().UnixMilli(),
		Mode:         uint32(info.Mode()),
		IsDir:        info.IsDir(),
		IsSymlink:    info.Mode()&os.ModeSymlink != 0,
	}
	if !fm.IsDir && !fm.IsSymlink {
		fm.Size = info.Size()
	}
	populateOwnership(&fm, info)
	return fm
}
