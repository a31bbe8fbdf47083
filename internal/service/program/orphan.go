package program

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-ps"
)

// ReapOrphan kills the process group of pid when pid still names a live
// process running executable. A program left behind by a forced exit of
// the supervisor would otherwise keep its port.
func ReapOrphan(pid int, executable string) (bool, error) {
	if pid <= 0 || pid == os.Getpid() {
		return false, nil
	}

	process, err := ps.FindProcess(pid)
	if err != nil {
		return false, err
	}

	if process == nil || !sameExecutable(process.Executable(), executable) {
		return false, nil
	}

	if err = killGroup(pid); err != nil {
		runningProcess, findErr := os.FindProcess(pid)
		if findErr != nil {
			return false, findErr
		}

		if err = runningProcess.Kill(); err != nil {
			return false, err
		}
	}

	return true, nil
}

func sameExecutable(running, configured string) bool {
	base := filepath.Base(configured)

	return running == base || strings.TrimSuffix(running, ".exe") == strings.TrimSuffix(base, ".exe")
}
