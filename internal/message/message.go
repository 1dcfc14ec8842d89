// Package message defines the packets exchanged between master and worker
// over a frame.Transport. Packets use the protobuf wire format so that any
// protobuf implementation with the matching schema can interoperate:
//
//	message MasterPacket { Task task = 1; System system = 2; }
//	message Task {
//	  uint32 id = 1; string project = 2; string application = 3;
//	  string commandline = 4; string workingdir = 5; string sourcefile = 6;
//	  string outputfile = 7; bool abortonerror = 8; bytes inputdata = 9;
//	}
//	message System { bool close = 1; }
//
//	message WorkerPacket { Info info = 1; Result result = 2; }
//	message Info { uint32 task_count = 1; }
//	message Result {
//	  uint32 id = 1; int32 exit_code = 2; int32 process_code = 3;
//	  string outputfile = 4; bytes outputdata = 5;
//	}
package message

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/Kandimus/FreeDistributedBuild/internal/domain"
)

// Task is a unit of work sent to a worker, with the source file inlined.
type Task struct {
	ID           uint32
	Project      string
	Application  string
	CommandLine  string
	WorkingDir   string
	SourceFile   string
	OutputFile   string
	AbortOnError bool
	InputData    []byte
}

// System carries session control commands.
type System struct {
	Close bool
}

// MasterPacket is everything the master sends.
type MasterPacket struct {
	Task   *Task
	System *System
}

// Info advertises how many more tasks a worker will take.
type Info struct {
	FreeSlots uint32
}

// Result reports a finished task.
type Result struct {
	ID         uint32
	ExitCode   int32
	Kind       domain.ResultKind
	OutputFile string
	OutputData []byte
	// HasOutput is true when OutputData was present on the wire, even if
	// empty.
	HasOutput bool
}

// WorkerPacket is everything a worker sends.
type WorkerPacket struct {
	Info   *Info
	Result *Result
}

// NewTask builds the wire form of t with the given input bytes.
func NewTask(t *domain.Task, input []byte) *Task {
	return &Task{
		ID:           t.ID,
		Project:      t.Project,
		Application:  t.Application,
		CommandLine:  t.CommandLine,
		WorkingDir:   t.WorkingDir,
		SourceFile:   t.SourceFile,
		OutputFile:   t.OutputFile,
		AbortOnError: t.AbortOnError,
		InputData:    input,
	}
}

// ─── encoding ─────────────────────────────────────────────────────────────────

func (p *MasterPacket) Marshal() []byte {
	var b []byte
	if p.Task != nil {
		b = appendMessage(b, 1, p.Task.marshal())
	}
	if p.System != nil {
		var s []byte
		if p.System.Close {
			s = appendBool(s, 1, true)
		}
		b = appendMessage(b, 2, s)
	}
	return b
}

func (t *Task) marshal() []byte {
	var b []byte
	b = appendUint(b, 1, uint64(t.ID))
	b = appendString(b, 2, t.Project)
	b = appendString(b, 3, t.Application)
	b = appendString(b, 4, t.CommandLine)
	b = appendString(b, 5, t.WorkingDir)
	b = appendString(b, 6, t.SourceFile)
	b = appendString(b, 7, t.OutputFile)
	b = appendBool(b, 8, t.AbortOnError)
	if len(t.InputData) > 0 {
		b = appendMessage(b, 9, t.InputData)
	}
	return b
}

func (p *WorkerPacket) Marshal() []byte {
	var b []byte
	if p.Info != nil {
		var s []byte
		s = appendUint(s, 1, uint64(p.Info.FreeSlots))
		b = appendMessage(b, 1, s)
	}
	if p.Result != nil {
		b = appendMessage(b, 2, p.Result.marshal())
	}
	return b
}

func (r *Result) marshal() []byte {
	var b []byte
	b = appendUint(b, 1, uint64(r.ID))
	b = appendUint(b, 2, uint64(int64(r.ExitCode)))
	b = appendUint(b, 3, uint64(int64(r.Kind)))
	b = appendString(b, 4, r.OutputFile)
	if r.HasOutput || len(r.OutputData) > 0 {
		b = appendMessage(b, 5, r.OutputData)
	}
	return b
}

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return appendUint(b, num, 1)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendMessage(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// ─── decoding ─────────────────────────────────────────────────────────────────

// UnmarshalMasterPacket decodes a packet sent by the master.
func UnmarshalMasterPacket(data []byte) (*MasterPacket, error) {
	p := &MasterPacket{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			t, err := unmarshalTask(v)
			if err != nil {
				return 0, err
			}
			p.Task = t
			return n, nil
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			s := &System{}
			err := walk(v, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				if num == 1 && typ == protowire.VarintType {
					x, n := protowire.ConsumeVarint(b)
					s.Close = x != 0
					return n, nil
				}
				return protowire.ConsumeFieldValue(num, typ, b), nil
			})
			if err != nil {
				return 0, err
			}
			p.System = s
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return nil, decodeError("master packet", err)
	}
	return p, nil
}

func unmarshalTask(data []byte) (*Task, error) {
	t := &Task{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			switch num {
			case 1:
				t.ID = uint32(v)
			case 8:
				t.AbortOnError = v != 0
			}
			return n, nil
		}
		if typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(b)
			switch num {
			case 2:
				t.Project = string(v)
			case 3:
				t.Application = string(v)
			case 4:
				t.CommandLine = string(v)
			case 5:
				t.WorkingDir = string(v)
			case 6:
				t.SourceFile = string(v)
			case 7:
				t.OutputFile = string(v)
			case 9:
				t.InputData = append([]byte(nil), v...)
			}
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return t, err
}

// UnmarshalWorkerPacket decodes a packet sent by a worker.
func UnmarshalWorkerPacket(data []byte) (*WorkerPacket, error) {
	p := &WorkerPacket{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType || (num != 1 && num != 2) {
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}
		var err error
		if num == 1 {
			p.Info, err = unmarshalInfo(v)
		} else {
			p.Result, err = unmarshalResult(v)
		}
		return n, err
	})
	if err != nil {
		return nil, decodeError("worker packet", err)
	}
	return p, nil
}

func unmarshalInfo(data []byte) (*Info, error) {
	info := &Info{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			info.FreeSlots = uint32(v)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return info, err
}

func unmarshalResult(data []byte) (*Result, error) {
	r := &Result{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			switch num {
			case 1:
				r.ID = uint32(v)
			case 2:
				r.ExitCode = int32(v)
			case 3:
				r.Kind = domain.ResultKind(int32(v))
			}
			return n, nil
		case typ == protowire.BytesType && (num == 4 || num == 5):
			v, n := protowire.ConsumeBytes(b)
			if num == 4 {
				r.OutputFile = string(v)
			} else {
				r.OutputData = append([]byte(nil), v...)
				r.HasOutput = n >= 0
			}
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return r, err
}

// walk calls fn for each field in b. fn returns the number of bytes it
// consumed after the tag, or a negative protowire error code.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}

func decodeError(what string, err error) error {
	return &domain.ProtocolError{Reason: fmt.Sprintf("decode %s", what), Err: err}
}
