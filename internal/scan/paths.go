package scan

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// LoadPaths reads segment paths from a newline-separated list file, the
// format Common Crawl publishes as warc.paths. Blank lines are skipped
// and a positive limit caps how many items are returned. Items carry no
// byte range, so the fetcher falls back to a bounded prefix.
//
// An unreadable file is fatal to the run; there is nothing to scan
// without it.
func LoadPaths(path string, limit int) ([]WorkItem, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open segment path list: %w", err)
	}
	defer f.Close()

	var items []WorkItem
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		items = append(items, WorkItem{SegmentPath: line})
		if limit > 0 && len(items) >= limit {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read segment path list: %w", err)
	}
	return items, nil
}

// LoadRefList parses resume refs (from a ledger ref file or any line
// list) into work items, preserving byte ranges encoded by Ref.
func LoadRefList(refs []string, limit int) ([]WorkItem, error) {
	items := make([]WorkItem, 0, len(refs))
	for _, ref := range refs {
		if strings.TrimSpace(ref) == "" {
			continue
		}
		item, err := ParseRef(ref)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
		if limit > 0 && len(items) >= limit {
			break
		}
	}
	return items, nil
}
