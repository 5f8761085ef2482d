//go:build !linux

package process

func waitExited(pid int) bool { return false }
