package lifecycle

import (
	"os"
	"strings"

	"github.com/shirou/gopsutil/process"
	"go.uber.org/zap"

	"github.com/wadash/wadash/internal/lock"
)

// cleanupOrphans removes leftovers from a crashed or improperly
// destroyed session: OS processes still referencing the account's
// credential directory and the stale lock file blocking
// reinitialization.
func cleanupOrphans(credDir string, logger *zap.Logger) {
	self := int32(os.Getpid())

	procs, err := process.Processes()
	if err != nil {
		logger.Warn("orphan scan failed", zap.Error(err))
	} else {
		for _, p := range procs {
			if p.Pid == self {
				continue
			}
			cmdline, err := p.Cmdline()
			if err != nil || cmdline == "" {
				continue
			}
			if !strings.Contains(cmdline, credDir) {
				continue
			}
			logger.Warn("killing orphaned engine process",
				zap.Int32("pid", p.Pid),
				zap.String("cred_dir", credDir),
			)
			if err := p.Kill(); err != nil {
				logger.Warn("failed to kill orphan", zap.Int32("pid", p.Pid), zap.Error(err))
			}
		}
	}

	if err := lock.RemoveStale(credDir); err != nil {
		logger.Warn("failed to remove stale lock", zap.String("cred_dir", credDir), zap.Error(err))
	}
}
