package arm

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/banshee-data/tubesort/internal/sorter"
)

// SimDriver is an in-memory controller. A started program stays busy for
// BusyPolls status reads and then moves to the pose in registers 1..3.
type SimDriver struct {
	mu sync.Mutex

	BusyPolls int
	// FailRun, if set, is returned by StartProgram.
	FailRun error
	// Fault makes every status read report ERROR.
	Fault bool

	registers map[int]float64
	outputs   map[int]bool
	pose      sorter.Pose
	busyLeft  int
	pending   bool
	runs      int
	commands  []string
}

func NewSimDriver() *SimDriver {
	return &SimDriver{
		registers: make(map[int]float64),
		outputs:   make(map[int]bool),
	}
}

func (s *SimDriver) SetRegister(_ context.Context, id int, value float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, FormatRegister(id, value))
	s.registers[id] = value
	return nil
}

func (s *SimDriver) StartProgram(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, "RUN "+name)
	if s.FailRun != nil {
		return s.FailRun
	}
	s.runs++
	s.pending = true
	s.busyLeft = s.BusyPolls
	return nil
}

func (s *SimDriver) Status(context.Context) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fault {
		return StatusError, nil
	}
	if s.busyLeft > 0 {
		s.busyLeft--
		return StatusBusy, nil
	}
	if s.pending {
		s.pose = sorter.Pose{X: s.registers[1], Y: s.registers[2], Z: s.registers[3]}
		s.pending = false
	}
	return StatusIdle, nil
}

func (s *SimDriver) SetOutput(_ context.Context, channel int, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, FormatOutput(channel, on))
	s.outputs[channel] = on
	return nil
}

func (s *SimDriver) Close() error { return nil }

// Pose returns where the simulated arm last arrived.
func (s *SimDriver) Pose() sorter.Pose {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pose
}

// Output reports a digital output state.
func (s *SimDriver) Output(channel int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outputs[channel]
}

// Runs returns how many programs were started.
func (s *SimDriver) Runs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}

// Commands returns the protocol lines the driver has executed.
func (s *SimDriver) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// HandleLine answers one protocol line the way a controller would, so the
// simulator can sit behind a LineDriver.
func (s *SimDriver) HandleLine(line string) string {
	ctx := context.Background()
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "ERR empty command"
	}
	reply := func(err error) string {
		if err != nil {
			return "ERR " + err.Error()
		}
		return "OK"
	}
	switch strings.ToUpper(fields[0]) {
	case "REG":
		if len(fields) != 3 {
			return "ERR usage: REG <id> <value>"
		}
		id, err1 := strconv.Atoi(fields[1])
		v, err2 := strconv.ParseFloat(fields[2], 64)
		if err := errors.Join(err1, err2); err != nil {
			return reply(err)
		}
		return reply(s.SetRegister(ctx, id, v))
	case "RUN":
		if len(fields) != 2 {
			return "ERR usage: RUN <program>"
		}
		return reply(s.StartProgram(ctx, fields[1]))
	case "STATUS":
		st, _ := s.Status(ctx)
		return string(st)
	case "DO":
		if len(fields) != 3 || (fields[2] != "0" && fields[2] != "1") {
			return "ERR usage: DO <channel> <0|1>"
		}
		ch, err := strconv.Atoi(fields[1])
		if err != nil {
			return reply(err)
		}
		return reply(s.SetOutput(ctx, ch, fields[2] == "1"))
	}
	return fmt.Sprintf("ERR unknown command %q", fields[0])
}
