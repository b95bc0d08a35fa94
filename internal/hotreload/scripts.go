// Package hotreload watches the handlers directory and the config file,
// collapses editor write bursts with a debounce, and drives module and
// config reloads without restarting the process. A reload that fails
// leaves the previous state in place.
package hotreload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hubwire/hubwire/internal/protocol"
)

// Script is one drop-in command module: an executable file whose base
// name (without extension) is the command name it provides.
type Script struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	ModTime time.Time `json:"mod_time"`
	Size    int64     `json:"size"`
}

// ScanScripts enumerates the command modules in dir, sorted by name.
// A missing directory yields an empty set rather than an error.
func ScanScripts(dir string) ([]Script, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scanning %s: %w", dir, err)
	}

	var out []Script
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		if name == "" {
			continue
		}
		out = append(out, Script{
			Name:    name,
			Path:    filepath.Join(dir, entry.Name()),
			ModTime: info.ModTime(),
			Size:    info.Size(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// RunScript executes a command module: params JSON on stdin, response
// JSON on stdout. Non-JSON output is wrapped as {"output": "..."}. A
// non-zero exit surfaces stderr in the error.
func RunScript(ctx context.Context, path string, params json.RawMessage) (json.RawMessage, error) {
	cmd := exec.CommandContext(ctx, path)
	if len(params) > 0 {
		cmd.Stdin = bytes.NewReader(params)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, protocol.NewCommandError(protocol.CodeHandlerFailed,
			"module %s: %s", filepath.Base(path), msg)
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) == 0 {
		return json.RawMessage("null"), nil
	}
	if json.Valid(out) {
		return json.RawMessage(out), nil
	}
	wrapped, err := json.Marshal(map[string]string{"output": string(out)})
	if err != nil {
		return nil, err
	}
	return wrapped, nil
}
