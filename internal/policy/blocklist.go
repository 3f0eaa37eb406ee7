package policy

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// LoadBlocklist reads a domain blocklist file.
func LoadBlocklist(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open blocklist: %w", err)
	}
	defer func() { _ = f.Close() }()
	return ParseBlocklist(f)
}

// ParseBlocklist extracts patterns from OISD style lists. It accepts plain
// domains, hosts-file lines ("0.0.0.0 example.com") and adblock domain
// rules ("||example.com^"). Lines starting with '#' or '!' are comments.
func ParseBlocklist(r io.Reader) ([]string, error) {
	var out []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || line[0] == '#' || line[0] == '!' {
			continue
		}
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		if fields := strings.Fields(line); len(fields) == 2 && isSinkhole(fields[0]) {
			line = fields[1]
		}
		if strings.HasPrefix(line, "||") {
			line = strings.TrimPrefix(line, "||")
			line = strings.TrimSuffix(line, "^")
		}
		line = strings.ToLower(strings.TrimSuffix(line, "."))
		if line == "" || strings.ContainsAny(line, " \t/") || line == "localhost" {
			continue
		}
		out = append(out, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read blocklist: %w", err)
	}
	return out, nil
}

func isSinkhole(addr string) bool {
	switch addr {
	case "0.0.0.0", "127.0.0.1", "::", "::1":
		return true
	}
	return false
}
