package process

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// readLoopItems reads a loop task's input file: for CSV, the first column
// of each row is one item (other columns are ignored); for anything else,
// one line is one item. Blank items are dropped.
func readLoopItems(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open loop input file %s: %w", path, err)
	}
	defer file.Close()

	if strings.EqualFold(filepath.Ext(path), ".csv") {
		reader := csv.NewReader(file)
		reader.FieldsPerRecord = -1

		rows, err := reader.ReadAll()
		if err != nil {
			return nil, fmt.Errorf("failed to parse CSV %s: %w", path, err)
		}

		var items []string
		for _, row := range rows {
			if len(row) == 0 {
				continue
			}
			if item := strings.TrimSpace(row[0]); item != "" {
				items = append(items, item)
			}
		}
		return items, nil
	}

	var items []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if item := strings.TrimSpace(scanner.Text()); item != "" {
			items = append(items, item)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read loop input file %s: %w", path, err)
	}
	return items, nil
}
