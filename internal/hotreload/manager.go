package hotreload

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/hubwire/hubwire/internal/config"
	"github.com/hubwire/hubwire/internal/protocol"
)

// ModuleReloader rescans the module source and atomically swaps the
// affected registry entries. It must either complete the swap or leave
// the previous handlers untouched.
type ModuleReloader func() error

// ConfigApplier receives a validated new configuration and its diff
// against the previous one. Only live-safe changes should be applied.
type ConfigApplier func(cfg *config.Config, changes []config.Change)

// ReloadResult records the outcome of the most recent reload of one
// axis for the status report.
type ReloadResult struct {
	At    time.Time `json:"at"`
	OK    bool      `json:"ok"`
	Error string    `json:"error,omitempty"`
}

// Manager coordinates the three reload axes: watched module files,
// watched config file, and on-demand reload commands.
type Manager struct {
	log         zerolog.Logger
	handlersDir string
	configPath  string

	reloadModules ModuleReloader
	applyConfig   ConfigApplier

	mu              sync.Mutex
	debounce        time.Duration
	lastConfig      *config.Config
	restartRequired []string
	moduleResult    ReloadResult
	configResult    ReloadResult
	timers          map[string]*time.Timer
}

// New creates a manager. current is the configuration the process
// started with; diffs are computed against the latest applied one.
func New(handlersDir, configPath string, current *config.Config, log zerolog.Logger, reloadModules ModuleReloader, applyConfig ConfigApplier) *Manager {
	return &Manager{
		log:           log,
		handlersDir:   handlersDir,
		configPath:    configPath,
		reloadModules: reloadModules,
		applyConfig:   applyConfig,
		debounce:      current.HotReload.Debounce(),
		lastConfig:    current,
		timers:        make(map[string]*time.Timer),
	}
}

// Run watches until the context is canceled. Watch failures are logged
// and leave on-demand reload still functional.
func (m *Manager) Run(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		m.log.Error().Err(err).Msg("file watcher unavailable, hot reload is on-demand only")
		<-ctx.Done()
		return
	}
	defer watcher.Close()

	if m.handlersDir != "" {
		if err := os.MkdirAll(m.handlersDir, 0o755); err == nil {
			if err := watcher.Add(m.handlersDir); err != nil {
				m.log.Warn().Err(err).Str("dir", m.handlersDir).Msg("cannot watch handlers dir")
			}
		}
	}
	if m.configPath != "" {
		// Watch the directory: editors replace the file by rename,
		// which drops a watch on the file itself.
		if err := watcher.Add(filepath.Dir(m.configPath)); err != nil {
			m.log.Warn().Err(err).Str("path", m.configPath).Msg("cannot watch config file")
		}
	}

	fired := make(chan string, 16)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			m.schedule(ev.Name, fired)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			m.log.Warn().Err(err).Msg("file watcher error")
		case name := <-fired:
			m.dispatch(name)
		}
	}
}

// schedule arms (or re-arms) the debounce timer for a changed path so
// write-and-rename sequences collapse into one reload.
func (m *Manager) schedule(name string, fired chan<- string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[name]; ok {
		t.Reset(m.debounce)
		return
	}
	m.timers[name] = time.AfterFunc(m.debounce, func() {
		m.mu.Lock()
		delete(m.timers, name)
		m.mu.Unlock()
		select {
		case fired <- name:
		default:
		}
	})
}

func (m *Manager) dispatch(name string) {
	if m.configPath != "" && filepath.Clean(name) == filepath.Clean(m.configPath) {
		if err := m.ReloadConfig(); err != nil {
			m.log.Error().Err(err).Msg("config reload failed, previous config kept")
		}
		return
	}
	if m.handlersDir != "" && filepath.Dir(filepath.Clean(name)) == filepath.Clean(m.handlersDir) {
		if err := m.ReloadModules(); err != nil {
			m.log.Error().Err(err).Msg("module reload failed, previous handlers kept")
		}
	}
}

// ReloadModules re-runs module discovery and swaps registry entries.
func (m *Manager) ReloadModules() error {
	err := m.reloadModules()
	m.mu.Lock()
	m.moduleResult = result(err)
	m.mu.Unlock()
	if err != nil {
		return protocol.NewCommandError(protocol.CodeReloadFailed, "module reload: %v", err)
	}
	m.log.Info().Msg("modules reloaded")
	return nil
}

// ReloadConfig loads and validates the config file, then applies the
// live-safe diff. Non-live-safe changes are recorded as requiring a
// restart instead of being applied.
func (m *Manager) ReloadConfig() error {
	err := m.reloadConfig()
	m.mu.Lock()
	m.configResult = result(err)
	m.mu.Unlock()
	if err != nil {
		return protocol.NewCommandError(protocol.CodeReloadFailed, "config reload: %v", err)
	}
	return nil
}

func (m *Manager) reloadConfig() error {
	if m.configPath == "" {
		return fmt.Errorf("no config file configured")
	}
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return err
	}
	cfg, err := config.Parse(data)
	if err != nil {
		return err
	}

	m.mu.Lock()
	changes := config.Diff(m.lastConfig, cfg)
	var live []config.Change
	for _, ch := range changes {
		if ch.Kind == config.ChangeRestart {
			m.restartRequired = appendUnique(m.restartRequired, ch.Key)
		} else {
			live = append(live, ch)
		}
	}
	m.lastConfig = cfg
	m.debounce = cfg.HotReload.Debounce()
	restartKeys := len(m.restartRequired)
	m.mu.Unlock()

	if len(live) > 0 {
		m.applyConfig(cfg, live)
	}
	m.log.Info().
		Int("live_changes", len(live)).
		Int("restart_required", restartKeys).
		Msg("config reloaded")
	return nil
}

// ReloadAll reloads both axes, reporting the first failure.
func (m *Manager) ReloadAll() error {
	if err := m.ReloadModules(); err != nil {
		return err
	}
	return m.ReloadConfig()
}

// Status describes the manager for the hot_reload status action.
type Status struct {
	HandlersDir     string       `json:"handlers_dir"`
	ConfigPath      string       `json:"config_path"`
	DebounceMs      int64        `json:"debounce_ms"`
	Modules         []Script     `json:"modules"`
	RestartRequired []string     `json:"restart_required,omitempty"`
	LastModuleLoad  ReloadResult `json:"last_module_reload"`
	LastConfigLoad  ReloadResult `json:"last_config_reload"`
}

// GetStatus reports watched paths, discovered modules, and the last
// reload outcomes.
func (m *Manager) GetStatus() Status {
	scripts, _ := ScanScripts(m.handlersDir)
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		HandlersDir:     m.handlersDir,
		ConfigPath:      m.configPath,
		DebounceMs:      int64(m.debounce / time.Millisecond),
		Modules:         scripts,
		RestartRequired: append([]string(nil), m.restartRequired...),
		LastModuleLoad:  m.moduleResult,
		LastConfigLoad:  m.configResult,
	}
}

func result(err error) ReloadResult {
	r := ReloadResult{At: time.Now().UTC(), OK: err == nil}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

func appendUnique(s []string, v string) []string {
	for _, x := range s {
		if x == v {
			return s
		}
	}
	return append(s, v)
}
