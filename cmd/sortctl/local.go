package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/banshee-data/tubesort/internal/coordinator"
	"github.com/banshee-data/tubesort/internal/db"
	"github.com/banshee-data/tubesort/internal/monitoring"
)

// local drives the run state machine through the state database. It has no
// mover, so a pause requested here is honoured by the daemon at its next
// checkpoint.
type local struct {
	coord *coordinator.Coordinator
}

func withLocal(cmd *cobra.Command, fn func(context.Context, *local) error) error {
	monitoring.SetLogger(nil)
	d, err := db.OpenDB(dbPath)
	if err != nil {
		return err
	}
	defer d.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	l := &local{coord: coordinator.New(db.NewRunStateStore(d), nil, coordinator.DefaultConfig())}
	return fn(ctx, l)
}

func refused(err error) error {
	switch {
	case errors.Is(err, coordinator.ErrNotRunning),
		errors.Is(err, coordinator.ErrNotPaused),
		errors.Is(err, coordinator.ErrRackMismatch):
		return fmt.Errorf("refused: %w", err)
	}
	return err
}

func (l *local) stop(ctx context.Context, cmd *cobra.Command) error {
	if _, err := l.coord.Stop(ctx); err != nil {
		return refused(err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "stop requested")
	return nil
}

func (l *local) pause(ctx context.Context, cmd *cobra.Command) error {
	st, err := l.coord.RequestPause(ctx)
	if err != nil {
		return refused(err)
	}
	if st.Paused {
		fmt.Fprintln(cmd.OutOrStdout(), "already paused")
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), "pause requested")
	return nil
}

func (l *local) resume(ctx context.Context, cmd *cobra.Command) error {
	if _, err := l.coord.Resume(ctx); err != nil {
		return refused(err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "resumed")
	return nil
}

func (l *local) confirmRack(ctx context.Context, cmd *cobra.Command, tag string) error {
	ok, err := l.coord.ConfirmRackReplacement(ctx, tag)
	if err != nil {
		return refused(err)
	}
	if !ok {
		fmt.Fprintln(cmd.OutOrStdout(), "no rack replacement pending")
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), "rack replacement confirmed")
	return nil
}

func (l *local) status(ctx context.Context, cmd *cobra.Command) error {
	st, err := l.coord.Status(ctx)
	if err != nil {
		return err
	}
	return printJSON(cmd, st)
}
