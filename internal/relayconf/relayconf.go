// Package relayconf reads and rewrites the relay's flat KEY=VALUE env file,
// the only channel through which limits reach the relay process.
package relayconf

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/subosito/gotenv"

	"github.com/blikh/easyconduit/internal/fsutil"
)

const (
	KeyDataDir    = "DATA_DIR"
	KeyMaxClients = "MAX_CLIENTS"
	KeyBandwidth  = "BANDWIDTH"

	DefaultMaxClients = 50
	DefaultBandwidth  = 10

	// Unlimited is the BANDWIDTH value meaning no cap.
	Unlimited = -1
)

// RelayConfig is the subset of the env file the bot edits. Bandwidth is in
// Mbps.
type RelayConfig struct {
	DataDir    string
	MaxClients int
	Bandwidth  int
}

func (c RelayConfig) BandwidthUnlimited() bool { return c.Bandwidth == Unlimited }

// File is the relay env file on disk.
type File struct {
	path string
}

func Open(path string) *File { return &File{path: path} }

func (f *File) Path() string { return f.path }

// Read returns the current values. An absent file or key yields the relay's
// defaults; a present but non-numeric limit is an error.
func (f *File) Read() (RelayConfig, error) {
	cfg := RelayConfig{MaxClients: DefaultMaxClients, Bandwidth: DefaultBandwidth}

	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("relayconf: reading %s: %w", f.path, err)
	}

	env := gotenv.Parse(bytes.NewReader(data))
	cfg.DataDir = env[KeyDataDir]
	if v, ok := env[KeyMaxClients]; ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("relayconf: %s=%q: %w", KeyMaxClients, v, err)
		}
		cfg.MaxClients = n
	}
	if v, ok := env[KeyBandwidth]; ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("relayconf: %s=%q: %w", KeyBandwidth, v, err)
		}
		cfg.Bandwidth = n
	}
	return cfg, nil
}

// SetLimits writes both limits in one atomic replace.
func (f *File) SetLimits(maxClients, bandwidth int) error {
	return f.Set(map[string]string{
		KeyMaxClients: strconv.Itoa(maxClients),
		KeyBandwidth:  strconv.Itoa(bandwidth),
	})
}

var assignment = regexp.MustCompile(`^\s*(?:export\s+)?([A-Za-z_][A-Za-z0-9_]*)\s*=`)

// Set rewrites the given keys in place. Other lines, comments and ordering
// are preserved; keys not yet present are appended in sorted order.
func (f *File) Set(updates map[string]string) error {
	for k, v := range updates {
		if strings.ContainsAny(v, "\n\r") {
			return fmt.Errorf("relayconf: value for %s contains a newline", k)
		}
	}

	perm := os.FileMode(0o640)
	data, err := os.ReadFile(f.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return fmt.Errorf("relayconf: reading %s: %w", f.path, err)
	default:
		if info, err := os.Stat(f.path); err == nil {
			perm = info.Mode().Perm()
		}
	}

	seen := make(map[string]bool, len(updates))
	var out bytes.Buffer
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := sc.Text()
		if m := assignment.FindStringSubmatch(line); m != nil {
			if val, ok := updates[m[1]]; ok {
				line = m[1] + "=" + val
				seen[m[1]] = true
			}
		}
		out.WriteString(line)
		out.WriteByte('\n')
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("relayconf: scanning %s: %w", f.path, err)
	}

	missing := make([]string, 0, len(updates))
	for k := range updates {
		if !seen[k] {
			missing = append(missing, k)
		}
	}
	sort.Strings(missing)
	for _, k := range missing {
		out.WriteString(k + "=" + updates[k] + "\n")
	}

	if err := fsutil.WriteFileAtomic(f.path, out.Bytes(), perm); err != nil {
		return fmt.Errorf("relayconf: %w", err)
	}
	return nil
}
