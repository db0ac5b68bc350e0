package config

import (
	"bufio"
	"fmt"
	"net/netip"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// LoadExcludeFile reads one CIDR range (or address) per line. Blank lines
// and lines starting with '#' are ignored. Malformed lines are logged and
// skipped; only failing to read the file is an error.
func LoadExcludeFile(path string, logger logrus.FieldLogger) ([]netip.Prefix, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening exclude file: %w", err)
	}
	defer f.Close()

	var prefixes []netip.Prefix
	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		p, err := ParsePrefix(line)
		if err != nil {
			logger.WithFields(logrus.Fields{
				"file": path,
				"line": lineNum,
			}).WithError(err).Warn("skipping malformed exclude range")
			continue
		}
		prefixes = append(prefixes, p)
	}
	if err := scanner.Err(); err != nil {
		return prefixes, fmt.Errorf("reading exclude file: %w", err)
	}
	return prefixes, nil
}

// ContainsAddr reports whether ip parses and falls inside any prefix.
func ContainsAddr(prefixes []netip.Prefix, ip string) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false
	}
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
