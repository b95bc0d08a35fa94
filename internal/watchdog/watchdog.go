package watchdog

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/rs/zerolog"

	"github.com/hubwire/hubwire/internal/config"
)

// Supervisor runs the endpoint as a child process and respawns it on
// crash or on a sentinel-marked restart request. Respawns are rate
// limited so a crash loop cannot spin.
type Supervisor struct {
	cfg     config.WatchdogConfig
	log     zerolog.Logger
	argv    []string
	workDir string

	respawns []time.Time
}

// NewSupervisor creates a supervisor for the given child argv. workDir
// is where the sentinel is expected and where the child runs.
func NewSupervisor(cfg config.WatchdogConfig, argv []string, workDir string, log zerolog.Logger) *Supervisor {
	return &Supervisor{cfg: cfg, log: log, argv: argv, workDir: workDir}
}

// Run supervises until the child exits cleanly without a sentinel, the
// respawn limit trips, or the context is canceled.
func (s *Supervisor) Run(ctx context.Context) error {
	if len(s.argv) == 0 {
		return fmt.Errorf("watchdog: empty argv")
	}
	// A stale sentinel from a previous run must not trigger a phantom
	// restart cycle.
	if err := RemoveSentinel(s.workDir, s.cfg.SentinelName); err != nil {
		s.log.Warn().Err(err).Msg("removing stale sentinel")
	}

	argv := s.argv
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		exitErr := s.runChild(ctx, argv)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		sentinel, present, err := ReadSentinel(s.workDir, s.cfg.SentinelName)
		if err != nil {
			s.log.Warn().Err(err).Msg("reading sentinel")
		}
		if present {
			if err := RemoveSentinel(s.workDir, s.cfg.SentinelName); err != nil {
				s.log.Warn().Err(err).Msg("removing sentinel")
			}
			if sentinel != nil {
				s.log.Info().Str("reason", sentinel.Reason).Msg("restart requested")
				if len(sentinel.Argv) > 0 {
					argv = sentinel.Argv
				}
			}
		} else if exitErr == nil {
			s.log.Info().Msg("endpoint exited cleanly, supervision done")
			return nil
		} else {
			s.log.Warn().Err(exitErr).Msg("endpoint crashed")
		}

		if !s.allowRespawn() {
			err := fmt.Errorf("watchdog: respawn limit reached (%d in %s)",
				s.cfg.MaxRespawns, s.cfg.RespawnWindow())
			s.log.Error().Err(err).Msg("giving up")
			return err
		}
		s.log.Info().Strs("argv", argv).Msg("respawning endpoint")
	}
}

func (s *Supervisor) runChild(ctx context.Context, argv []string) error {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = s.workDir
	cmd.Env = os.Environ()
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	setProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		return err
	}
	s.log.Info().Int("pid", cmd.Process.Pid).Msg("endpoint started")
	return cmd.Wait()
}

// allowRespawn enforces the rate limit: no more than MaxRespawns within
// RespawnWindow.
func (s *Supervisor) allowRespawn() bool {
	now := time.Now()
	cutoff := now.Add(-s.cfg.RespawnWindow())
	kept := s.respawns[:0]
	for _, t := range s.respawns {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.respawns = kept
	if s.cfg.MaxRespawns > 0 && len(s.respawns) >= s.cfg.MaxRespawns {
		return false
	}
	s.respawns = append(s.respawns, now)
	return true
}

// ReExec starts a detached copy of the current process with the same
// argv and environment. The endpoint uses it for restart_client when it
// runs without a watchdog; the caller exits after a successful start.
func ReExec(argv []string, workDir string) error {
	if len(argv) == 0 {
		return fmt.Errorf("reexec: empty argv")
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = workDir
	cmd.Env = os.Environ()
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	setProcAttr(cmd)
	if err := cmd.Start(); err != nil {
		return err
	}
	return cmd.Process.Release()
}
