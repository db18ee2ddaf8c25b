package main

import (
	"bufio"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/maltedev/catalog-extractor/internal/models"
)

// parseJobs reads one "kind url" pair per line. Blank lines and lines
// starting with # are skipped; a trailing # comment is allowed.
func parseJobs(r io.Reader) ([]models.ExtractionJob, error) {
	var jobs []models.ExtractionJob

	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		if i := strings.Index(text, " #"); i >= 0 {
			text = text[:i]
		}
		text = strings.TrimSpace(text)
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		fields := strings.Fields(text)
		if len(fields) != 2 {
			return nil, fmt.Errorf("line %d: want \"kind url\", got %q", line, text)
		}

		job, err := newJob(fields[0], fields[1])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		jobs = append(jobs, job)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read jobs: %w", err)
	}
	return jobs, nil
}

func parseJobFile(path string) ([]models.ExtractionJob, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open job file: %w", err)
	}
	defer f.Close()
	return parseJobs(f)
}

func newJob(kind, rawURL string) (models.ExtractionJob, error) {
	k, err := models.ParseJobKind(kind)
	if err != nil {
		return models.ExtractionJob{}, err
	}
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return models.ExtractionJob{}, fmt.Errorf("not an absolute http(s) url: %q", rawURL)
	}
	return *models.NewExtractionJob(rawURL, k), nil
}
