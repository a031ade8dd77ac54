package sorter

import (
	"context"
	"time"
)

// Mover drives the manipulator to a pose and returns once it reports idle.
// Exceeding the motion timeout is returned as an error.
type Mover interface {
	MoveTo(ctx context.Context, p Pose) error
}

// Outputs switches the manipulator's digital outputs.
type Outputs interface {
	SetOutput(ctx context.Context, channel int, on bool) error
}

// Manipulator is the full actuator surface used by the pick-and-place engine.
type Manipulator interface {
	Mover
	Outputs
}

// Scanner triggers a read, keeps the trigger open for dwell and returns the
// raw reply.
type Scanner interface {
	TriggerAndRead(ctx context.Context, dwell time.Duration) (string, error)
}

// Classifier queries the classification service. On any failure it returns
// ClassError together with the cause.
type Classifier interface {
	Classify(ctx context.Context, identifier string) (Classification, error)
}

// Checkpointer gates units of work. A non-nil error means abort.
type Checkpointer interface {
	Checkpoint(ctx context.Context) error
}

// RackCoordinator is the run coordinator surface the pick-and-place engine
// needs: checkpoints and the blocking rack-replacement request.
type RackCoordinator interface {
	Checkpointer
	RequestRackReplacement(ctx context.Context, tag string) error
}
