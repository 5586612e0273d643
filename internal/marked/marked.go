// Package marked holds the channel ids whose chat is always treated as
// notable. The list comes from configuration plus an optional file that is
// reloaded when it changes on disk.
package marked

import (
	"bufio"
	"bytes"
	"os"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Set is safe for concurrent use.
type Set struct {
	static []string
	path   string

	mu  sync.RWMutex
	ids map[string]struct{}
}

// New builds a set from fixed ids and an optional file path. Call Reload to
// read the file.
func New(ids []string, path string) *Set {
	s := &Set{static: append([]string(nil), ids...), path: path}
	s.replace(nil)
	return s
}

// Path returns the watched file, if any.
func (s *Set) Path() string { return s.path }

// Has reports whether channelID is marked. A nil set marks nothing.
func (s *Set) Has(channelID string) bool {
	if s == nil || channelID == "" {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.ids[channelID]
	return ok
}

// Len returns the number of marked ids.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ids)
}

// Reload rereads the file. A missing file leaves only the fixed ids; any
// other read error keeps the previous contents.
func (s *Set) Reload() error {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.replace(nil)
			return nil
		}
		return errors.Wrap(err, "read marked file")
	}
	s.replace(parse(data))
	return nil
}

func (s *Set) replace(fromFile []string) {
	ids := make(map[string]struct{}, len(s.static)+len(fromFile))
	for _, id := range s.static {
		ids[id] = struct{}{}
	}
	for _, id := range fromFile {
		ids[id] = struct{}{}
	}
	s.mu.Lock()
	s.ids = ids
	s.mu.Unlock()
}

// parse accepts one id per line or comma separated; '#' starts a comment.
func parse(data []byte) []string {
	var out []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		for _, part := range strings.Split(line, ",") {
			if id := strings.TrimSpace(part); id != "" {
				out = append(out, id)
			}
		}
	}
	return out
}
