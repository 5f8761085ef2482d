package daemon

import (
	"github.com/guseggert/procd/process"
	"github.com/guseggert/procd/proto"
)

func toProcessInfo(info process.Info) proto.ProcessInfo {
	return proto.ProcessInfo{
		PID:       uint64(info.PID),
		Command:   info.Command,
		Args:      info.Args,
		Dir:       info.Dir,
		State:     proto.State(info.State.String()),
		ExitCode:  info.ExitCode,
		Signal:    info.Signal,
		StartedAt: info.StartedAt,
		EndedAt:   info.EndedAt,
	}
}

func toProcessInfos(infos []process.Info) []proto.ProcessInfo {
	out := make([]proto.ProcessInfo, len(infos))
	for i, info := range infos {
		out[i] = toProcessInfo(info)
	}
	return out
}

func toOutput(pid process.PID, c process.Chunk) proto.Output {
	return proto.Output{
		PID:    uint64(pid),
		Stream: proto.Stream(c.Stream.String()),
		Seq:    c.Seq,
		Data:   c.Data,
	}
}

func toUint64s(pids []process.PID) []uint64 {
	out := make([]uint64, len(pids))
	for i, pid := range pids {
		out[i] = uint64(pid)
	}
	return out
}
