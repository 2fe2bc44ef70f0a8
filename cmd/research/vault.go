package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/emilwareus/go-research/pkg/logger"
	"github.com/emilwareus/go-research/pkg/research"
)

// saveToVault writes the report as a markdown note and returns its path.
func saveToVault(dir string, report *research.Report) (string, error) {
	if report == nil {
		return "", fmt.Errorf("no report to save")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	name := fmt.Sprintf("%s-%s.md", time.Now().Format("2006-01-02"), slugify(report.Title))
	path := filepath.Join(dir, name)
	if _, err := os.Stat(path); err == nil {
		name = fmt.Sprintf("%s-%s-%s.md",
			time.Now().Format("2006-01-02"), slugify(report.Title), time.Now().Format("150405"))
		path = filepath.Join(dir, name)
	}

	if err := os.WriteFile(path, []byte(report.FullContent+"\n"), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// slugify lowercases the title and keeps letters and digits, joining runs
// with hyphens. Long titles are truncated at a word boundary.
func slugify(title string) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(title) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastHyphen = false
		case !lastHyphen:
			b.WriteByte('-')
			lastHyphen = true
		}
	}
	slug := strings.Trim(b.String(), "-")
	if slug == "" {
		return "report"
	}
	if len(slug) > 64 {
		slug = slug[:64]
		if i := strings.LastIndexByte(slug, '-'); i > 0 {
			slug = slug[:i]
		}
	}
	return slug
}

// appendHistory records the query in the history file, one line per run.
func appendHistory(path, query string) {
	if path == "" {
		return
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		logger.Get().Warn("open history file", "error", err)
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "%s\t%s\n", time.Now().Format(time.RFC3339), query)
}
