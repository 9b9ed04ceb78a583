package acceptor

import (
	"errors"
	"fmt"
	"os"
	"strconv"
)

// Environment and descriptor layout of a worker process started by a Pool
// in ModeProcess.
const (
	EnvWorkerID = "SPINDLE_WORKER_ID"
	EnvLockPath = "SPINDLE_LOCK_PATH"

	controlFd = 3
	eventsFd  = 4
)

// IsWorkerProcess reports whether this process was spawned as a pool
// worker.
func IsWorkerProcess() bool {
	_, ok := os.LookupEnv(EnvWorkerID)
	return ok
}

// WorkerEnv is what a worker process inherits from its pool.
type WorkerEnv struct {
	ID       int
	LockPath string
	Control  *os.File
	Events   *os.File
}

func WorkerFromEnv() (WorkerEnv, error) {
	id, err := strconv.Atoi(os.Getenv(EnvWorkerID))
	if err != nil {
		return WorkerEnv{}, fmt.Errorf("worker env %s: %w", EnvWorkerID, err)
	}
	lockPath := os.Getenv(EnvLockPath)
	if lockPath == "" {
		return WorkerEnv{}, fmt.Errorf("worker env %s: %w", EnvLockPath, errors.New("empty"))
	}

	return WorkerEnv{
		ID:       id,
		LockPath: lockPath,
		Control:  os.NewFile(controlFd, "control"),
		Events:   os.NewFile(eventsFd, "events"),
	}, nil
}
