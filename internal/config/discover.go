package config

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/c2trail/c2trail/internal/model"
)

// LogFile is a discovered log with its classification hint.
type LogFile struct {
	Path   string
	Source model.Source
}

// DiscoverLogs walks root recursively and returns every file with the
// given extension whose basename maps to a known log kind. When prefix is
// non-empty only basenames containing it are kept. Results are sorted.
func DiscoverLogs(root, ext, prefix string) ([]LogFile, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", root)
	}

	var files []LogFile
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if ext != "" && !strings.EqualFold(filepath.Ext(name), ext) {
			return nil
		}
		if prefix != "" && !strings.Contains(name, prefix) {
			return nil
		}
		src, ok := ClassifyPath(path)
		if !ok {
			return nil
		}
		files = append(files, LogFile{Path: path, Source: src})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// ClassifyPath maps a file name to a log kind by substring of its basename.
func ClassifyPath(path string) (model.Source, bool) {
	name := strings.ToLower(filepath.Base(path))
	switch {
	case strings.Contains(name, "aggressor"):
		return model.Source{}, false
	case strings.Contains(name, "beacon_"):
		return model.Source{Kind: model.KindTranscript, Tool: model.ToolCobaltStrike}, true
	case strings.HasPrefix(name, "b-"):
		return model.Source{Kind: model.KindTranscript, Tool: model.ToolBruteRatel}, true
	case strings.Contains(name, "download"):
		return model.Source{Kind: model.KindTransfer, Tool: model.ToolCobaltStrike}, true
	case strings.Contains(name, "events"):
		return model.Source{Kind: model.KindEvent, Tool: model.ToolCobaltStrike}, true
	default:
		return model.Source{}, false
	}
}
