package parser

import (
	"fmt"
	"net/netip"
	"path/filepath"
	"strings"
	"time"

	"github.com/c2trail/c2trail/internal/model"
	"github.com/c2trail/c2trail/internal/patterns"
)

const (
	beaconLayout = "06/01/02 15:04:05"
	badgerLayout = "2006/01/02 15:04:05"
	folderLayout = "060102"
)

// MalformedTimestampError reports a time fragment that cannot be turned
// into an absolute timestamp. The line carrying it is skipped.
type MalformedTimestampError struct {
	Fragment  string
	DayPrefix string
	Err       error
}

func (e *MalformedTimestampError) Error() string {
	if e.DayPrefix != "" {
		return fmt.Sprintf("malformed timestamp %q (day prefix %q): %v", e.Fragment, e.DayPrefix, e.Err)
	}
	return fmt.Sprintf("malformed timestamp %q: %v", e.Fragment, e.Err)
}

func (e *MalformedTimestampError) Unwrap() error { return e.Err }

// ResolveTime turns a captured time fragment into an absolute UTC wall
// time. Cobalt Strike fragments ("MM/DD hh:mm:ss") carry no year, so the
// year is taken from dayPrefix, the YYMMDD folder the log was written to.
// A fragment that falls more than half a year before the folder date is a
// log that ran past New Year and is moved into the following year. Brute
// Ratel fragments carry the full date and ignore dayPrefix.
func ResolveTime(fragment string, tool model.Tool, dayPrefix string) (time.Time, error) {
	fragment = strings.TrimSpace(fragment)
	if tool == model.ToolBruteRatel {
		t, err := time.Parse(badgerLayout, fragment)
		if err != nil {
			return time.Time{}, &MalformedTimestampError{Fragment: fragment, Err: err}
		}
		return t, nil
	}

	if len(dayPrefix) != 6 {
		return time.Time{}, &MalformedTimestampError{
			Fragment:  fragment,
			DayPrefix: dayPrefix,
			Err:       fmt.Errorf("no folder date to take the year from"),
		}
	}
	folder, err := time.Parse(folderLayout, dayPrefix)
	if err != nil {
		return time.Time{}, &MalformedTimestampError{Fragment: fragment, DayPrefix: dayPrefix, Err: err}
	}
	t, err := time.Parse(beaconLayout, dayPrefix[:2]+"/"+fragment)
	if err != nil {
		return time.Time{}, &MalformedTimestampError{Fragment: fragment, DayPrefix: dayPrefix, Err: err}
	}
	if folder.Sub(t) > 183*24*time.Hour {
		t = t.AddDate(1, 0, 0)
	}
	return t, nil
}

// PathInfo is what a log's location says about its session.
type PathInfo struct {
	DayPrefix string // YYMMDD folder token, empty when absent
	IP        string // parent directory when it is an address
	SessionID string // id from the file name
}

// Locate extracts the folder date, the session IP directory and the
// session id from a log path.
func (c *Classifier) Locate(path string, src model.Source) PathInfo {
	var info PathInfo
	dir := filepath.ToSlash(filepath.Dir(path))

	if m := c.matchers[patterns.FolderDate]; m != nil && m.usable {
		idx := m.groups["date"]
		for _, sub := range m.re.FindAllStringSubmatch(dir, -1) {
			if _, err := time.Parse(folderLayout, sub[idx]); err == nil {
				info.DayPrefix = sub[idx]
			}
		}
	}

	if addr, err := netip.ParseAddr(filepath.Base(filepath.Dir(path))); err == nil {
		info.IP = addr.String()
	}

	if src.Kind == model.KindTranscript {
		name := filepath.Base(path)
		pattern := patterns.BeaconID
		if src.Tool == model.ToolBruteRatel {
			pattern = patterns.BadgerID
		}
		if f, ok := c.match(pattern, name); ok {
			info.SessionID = f["id"]
		}
	}
	return info
}
