package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// LoadEnv sets variables from a dotenv file that are not already present in
// the process environment. A missing file is ignored.
func LoadEnv(path string) error {
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer file.Close()

	vars, err := parseEnv(file)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	for key, val := range vars {
		if _, set := os.LookupEnv(key); set {
			continue
		}
		if err := os.Setenv(key, val); err != nil {
			return err
		}
	}
	return nil
}

func parseEnv(r io.Reader) (map[string]string, error) {
	vars := make(map[string]string)
	scanner := bufio.NewScanner(r)
	for n := 1; scanner.Scan(); n++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		key, val, ok := strings.Cut(strings.TrimPrefix(line, "export "), "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" || strings.ContainsAny(key, " \t") {
			return nil, fmt.Errorf("line %d: expected KEY=value", n)
		}
		vars[key] = envValue(strings.TrimSpace(val))
	}
	return vars, scanner.Err()
}

// envValue strips matching quotes. Unquoted values lose a trailing " #" comment.
func envValue(val string) string {
	if len(val) >= 2 && (val[0] == '"' || val[0] == '\'') && val[len(val)-1] == val[0] {
		return val[1 : len(val)-1]
	}
	if i := strings.Index(val, " #"); i >= 0 {
		val = strings.TrimSpace(val[:i])
	}
	return val
}
