// Package discovery walks a BACnet/IP subnet and loads what it finds
// into the config store. A run broadcasts Who-Is, inventories every
// responder's object list and metadata, and persists the result as one
// transaction, either replacing the stored inventory or merging into
// it. While a run is active the polling worker must stay off the UDP
// port, so the runner raises a flag file before binding and clears it
// after.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/bacpipes/bacmq/config"
	"github.com/bacpipes/bacmq/log"
	"github.com/bacpipes/bacmq/store"
)

// Identity the scanner announces under. The vendor code is private-use
// so site controllers never mistake the scanner for managed equipment.
const (
	scannerName   = "BacPipes Discovery"
	scannerVendor = 999
)

// portWait bounds how long a run waits for the polling worker to
// release the UDP port after seeing the flag file.
var (
	portWait     = 20 * time.Second // overridden in tests
	portWaitStep = 500 * time.Millisecond
)

// finalizeTimeout bounds the job bookkeeping writes that still have to
// land after the run's own context is cancelled.
const finalizeTimeout = 5 * time.Second

// Inventory is the slice of the config store a run writes to.
type Inventory interface {
	ReplaceDiscovered(ctx context.Context, found []store.DiscoveredDevice) (devices, points int, err error)
	MergeDiscovered(ctx context.Context, found []store.DiscoveredDevice) (devices, points int, err error)
	FinishJob(ctx context.Context, id uuid.UUID, status string, devices, points int, errMsg string) error
	LogError(ctx context.Context, pointID int64, source, message string) error
}

// Runner executes discovery jobs.
type Runner struct {
	Store  Inventory
	Config config.BACnetConfig

	// Flag is the file that signals the polling worker to release
	// the UDP port for the duration of the run.
	Flag string

	// Merge preserves the stored inventory, refreshing matches and
	// adding new objects. The default replaces it outright.
	Merge bool

	// PollInterval seeds the poll interval of newly found points.
	PollInterval int
}

// Run executes one discovery job and finalizes its row whatever
// happens. The scan binds the job's address and port, so the polling
// worker must be signalled off first; Run raises the flag file, waits
// for the port, and clears the flag before returning. Cancelling ctx
// finishes the job as cancelled.
func (r *Runner) Run(ctx context.Context, job *store.Job) error {
	log.Info("Discovery starting", "job", job.ID, "address", job.Address, "port", job.Port, "window", job.Timeout)

	err := r.raiseFlag()
	if err == nil {
		defer r.clearFlag()
		err = waitPortFree(ctx, job.Port)
	}

	var found []store.DiscoveredDevice
	if err == nil {
		found, err = r.scan(ctx, job)
	}

	var devices, points int
	if err == nil {
		save := r.Store.ReplaceDiscovered
		if r.Merge {
			save = r.Store.MergeDiscovered
		}
		devices, points, err = save(ctx, found)
	}

	switch {
	case err == nil:
		return r.finalize(job, store.JobComplete, devices, points, nil)
	case errors.Is(err, context.Canceled):
		return r.finalize(job, store.JobCancelled, 0, 0, nil)
	default:
		return r.finalize(job, store.JobError, 0, 0, err)
	}
}

// finalize closes out the job row and logs terminal failures. It runs
// on a fresh context so a cancelled run still lands its bookkeeping.
func (r *Runner) finalize(job *store.Job, status string, devices, points int, cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	msg := ""
	if cause != nil {
		msg = cause.Error()
		log.Error("Discovery failed", cause, "job", job.ID)
		if err := r.Store.LogError(ctx, 0, store.SourceDiscovery, msg); err != nil {
			log.WarnError("Error log write failed", err, "job", job.ID)
		}
	}

	if err := r.Store.FinishJob(ctx, job.ID, status, devices, points, msg); err != nil {
		log.Error("Job finalize failed", err, "job", job.ID, "status", status)
		if cause == nil {
			cause = err
		}
	}

	job.Status = status
	job.DevicesFound = devices
	job.PointsFound = points
	job.Error = msg

	if cause == nil {
		log.Info("Discovery finished", "job", job.ID, "status", status, "devices", devices, "points", points)
	}
	return cause
}

// raiseFlag signals the polling worker to close its BACnet endpoint.
func (r *Runner) raiseFlag() error {
	if r.Flag == "" {
		return nil
	}
	if err := os.WriteFile(r.Flag, []byte(time.Now().UTC().Format(time.RFC3339)+"\n"), 0o644); err != nil {
		return fmt.Errorf("raise discovery flag: %w", err)
	}
	log.Debug("Discovery flag raised", "path", r.Flag)
	return nil
}

func (r *Runner) clearFlag() {
	if r.Flag == "" {
		return
	}
	if err := os.Remove(r.Flag); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.WarnError("Discovery flag not cleared", err, "path", r.Flag)
		return
	}
	log.Debug("Discovery flag cleared", "path", r.Flag)
}

// waitPortFree polls until the UDP port can be bound or the deadline
// passes. The worker reacts to the flag file on its own schedule, so
// the port rarely frees instantly.
func waitPortFree(ctx context.Context, port int) error {
	deadline := time.Now().Add(portWait)
	for {
		free, err := portFree(port)
		if err != nil {
			return err
		}
		if free {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("udp port %d still in use after %s", port, portWait)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(portWaitStep):
		}
	}
}

// portFree probes whether the port is bindable. The probe sets
// SO_REUSEADDR on its own socket only; the worker's endpoint binds
// plainly, so the probe fails exactly while the worker holds the port.
func portFree(port int) (bool, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return false, fmt.Errorf("probe udp port %d: %w", port, err)
	}
	defer unix.Close(fd)

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return false, fmt.Errorf("probe udp port %d: %w", port, err)
	}

	sa := &unix.SockaddrInet4{Port: port}
	switch err := unix.Bind(fd, sa); {
	case err == nil:
		return true, nil
	case errors.Is(err, unix.EADDRINUSE):
		return false, nil
	default:
		return false, fmt.Errorf("probe udp port %d: %w", port, err)
	}
}
