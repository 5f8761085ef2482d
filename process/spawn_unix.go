//go:build unix

package process

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func sysSignal(sig Signal) syscall.Signal {
	switch sig {
	case SignalInterrupt:
		return syscall.SIGINT
	case SignalTerminate:
		return syscall.SIGTERM
	default:
		return syscall.SIGKILL
	}
}

// signalProcess signals the child's process group, falling back to the child alone.
func signalProcess(p *os.Process, sig Signal) error {
	err := syscall.Kill(-p.Pid, sysSignal(sig))
	if err == nil {
		return nil
	}
	if errors.Is(err, syscall.ESRCH) || errors.Is(err, syscall.EPERM) {
		return p.Signal(sysSignal(sig))
	}
	return err
}

// signalPID signals a host process by OS pid.
func signalPID(pid int, sig Signal) error {
	return syscall.Kill(pid, sysSignal(sig))
}

func exitStatus(state *os.ProcessState) ExitStatus {
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return ExitStatus{Code: -1, Signaled: true, Signal: signalName(ws.Signal())}
	}
	return ExitStatus{Code: state.ExitCode()}
}

func signalName(s syscall.Signal) string {
	switch s {
	case syscall.SIGINT:
		return SignalInterrupt.String()
	case syscall.SIGTERM:
		return SignalTerminate.String()
	case syscall.SIGKILL:
		return SignalKill.String()
	default:
		return s.String()
	}
}
