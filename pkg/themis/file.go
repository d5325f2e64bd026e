package themis

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// SplitList splits a comma and whitespace separated pattern list.
func SplitList(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
}

// LoadDomainsFile reads patterns from a file: one or more per line, comma
// separated, with '#' starting a comment.
func LoadDomainsFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open domains file: %w", err)
	}
	defer f.Close()

	var out []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		out = append(out, SplitList(line)...)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read domains file %s: %w", path, err)
	}
	return out, nil
}
