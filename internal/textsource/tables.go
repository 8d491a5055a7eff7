package textsource

import (
	"regexp"
	"strings"
)

var reSeparatorRow = regexp.MustCompile(`^\|?\s*:?-{3,}:?\s*(\|\s*:?-{3,}:?\s*)*\|?$`)

// markdownTables finds GitHub-flavored pipe tables in text: a header row, a separator row
// and the data rows that follow.
func markdownTables(text string) [][][]string {
	lines := strings.Split(text, "\n")
	var tables [][][]string
	for i := 0; i+1 < len(lines); i++ {
		head := strings.TrimSpace(lines[i])
		if !strings.Contains(head, "|") || !reSeparatorRow.MatchString(strings.TrimSpace(lines[i+1])) {
			continue
		}
		rows := [][]string{splitPipeRow(head)}
		j := i + 2
		for ; j < len(lines); j++ {
			l := strings.TrimSpace(lines[j])
			if l == "" || !strings.Contains(l, "|") {
				break
			}
			rows = append(rows, splitPipeRow(l))
		}
		tables = append(tables, rows)
		i = j - 1
	}
	return tables
}

func splitPipeRow(line string) []string {
	line = strings.TrimSpace(line)
	line = strings.TrimPrefix(line, "|")
	line = strings.TrimSuffix(line, "|")
	// keep escaped pipes inside cells
	line = strings.ReplaceAll(line, `\|`, "\x00")
	parts := strings.Split(line, "|")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(strings.ReplaceAll(p, "\x00", "|"))
	}
	return parts
}
