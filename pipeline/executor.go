package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/bsaid97/go-spatial-overlay/engine"
	"github.com/bsaid97/go-spatial-overlay/features"
)

// Executor runs one work item in some execution context and always returns
// a result for it.
type Executor interface {
	Execute(ctx context.Context, item WorkItem) PartialResult
}

// InProcess runs the worker on the calling goroutine.
type InProcess struct {
	Worker *Worker
}

func (e *InProcess) Execute(ctx context.Context, item WorkItem) PartialResult {
	return e.Worker.Run(ctx, item)
}

// WorkerSettings travel with every work item sent to a worker process.
type WorkerSettings struct {
	IDField    string        `json:"id_field"`
	ScratchDir string        `json:"scratch_dir"`
	Engine     engine.Config `json:"engine"`
}

type workerRequest struct {
	Settings WorkerSettings `json:"settings"`
	Item     WorkItem       `json:"item"`
}

// Subprocess runs each work item in a fresh child process. The child reads a
// JSON request on stdin and writes the PartialResult as JSON on stdout.
type Subprocess struct {
	// Command is the child's argv. Empty means this executable with the
	// "worker" argument.
	Command  []string
	Env      []string
	Settings WorkerSettings
	Logger   *slog.Logger
}

func (e *Subprocess) Execute(ctx context.Context, item WorkItem) PartialResult {
	index := item.Chunk.Index

	argv, err := e.command()
	if err != nil {
		return Failure(index, err.Error())
	}
	payload, err := json.Marshal(workerRequest{Settings: e.Settings, Item: item})
	if err != nil {
		return Failure(index, fmt.Sprintf("failed to encode work item: %v", err))
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if e.Env != nil {
		cmd.Env = append(os.Environ(), e.Env...)
	}

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Failure(index, interruptedReason(ctx.Err()))
		}
		if msg := lastLine(stderr.String()); msg != "" {
			return Failure(index, fmt.Sprintf("worker process: %v: %s", err, msg))
		}
		return Failure(index, fmt.Sprintf("worker process: %v", err))
	}
	if e.Logger != nil && stderr.Len() > 0 {
		e.Logger.Debug("worker process output", "chunk", index, "stderr", stderr.String())
	}

	var result PartialResult
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		return Failure(index, fmt.Sprintf("failed to decode worker result: %v", err))
	}
	if result.ChunkIndex != index {
		return Failure(index, fmt.Sprintf("worker answered for chunk %d", result.ChunkIndex))
	}
	return result
}

func (e *Subprocess) command() ([]string, error) {
	if len(e.Command) > 0 {
		return e.Command, nil
	}
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to locate executable: %w", err)
	}
	return []string{self, "worker"}, nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

// ServeWorker is the child side of Subprocess: it reads one request from in,
// runs it with the engine built by newEngine and writes the result to out.
// Chunk failures are written as results; only I/O problems return an error.
func ServeWorker(ctx context.Context, in io.Reader, out io.Writer, newEngine func(engine.Config) engine.Engine, logger *slog.Logger) error {
	var req workerRequest
	if err := json.NewDecoder(in).Decode(&req); err != nil {
		return fmt.Errorf("failed to decode work request: %w", err)
	}

	ws, err := features.NewWorkspace(req.Settings.ScratchDir)
	if err != nil {
		return err
	}
	w := &Worker{
		Engine:    newEngine(req.Settings.Engine),
		Workspace: ws,
		IDField:   req.Settings.IDField,
		Logger:    logger,
	}
	result := w.Run(ctx, req.Item)

	if err := json.NewEncoder(out).Encode(result); err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	return nil
}

func interruptedReason(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timed out"
	}
	return fmt.Sprintf("cancelled: %v", err)
}
