//go:build !unix

package process

import (
	"errors"
	"os"
	"os/exec"
)

func setProcessGroup(cmd *exec.Cmd) {}

func signalProcess(p *os.Process, sig Signal) error {
	if sig == SignalInterrupt {
		return p.Signal(os.Interrupt)
	}
	return p.Kill()
}

func signalPID(pid int, sig Signal) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if p == nil {
		return errors.New("process not found")
	}
	return signalProcess(p, sig)
}

func exitStatus(state *os.ProcessState) ExitStatus {
	return ExitStatus{Code: state.ExitCode()}
}
