package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tasklab/foreman/pkg/jobs"
	"github.com/tasklab/foreman/pkg/log"
	"github.com/tasklab/foreman/pkg/response"
	"github.com/tasklab/foreman/pkg/types"
)

// maxStdioLine caps one request line. Task responses carry full agent
// output, so the limit is generous.
const maxStdioLine = 8 << 20

// toolRequest is one line on stdin.
type toolRequest struct {
	ID     string          `json:"id,omitempty"`
	Tool   string          `json:"tool"`
	Params json.RawMessage `json:"params,omitempty"`
}

// toolResult is one line on stdout, mirroring the request ID.
type toolResult struct {
	ID      string `json:"id,omitempty"`
	IsError bool   `json:"isError"`
	Content any    `json:"content"`
}

// StdioServer exposes the tool surface over newline-delimited JSON:
// submit-task-response feeds the response pipeline, get-job-result polls a
// job with the registry's backoff applied.
type StdioServer struct {
	processor *response.Processor
	jobs      *jobs.Registry
	logger    zerolog.Logger

	in  io.Reader
	out io.Writer

	writeMu sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewStdioServer wires the stdio transport over the given streams.
func NewStdioServer(in io.Reader, out io.Writer, processor *response.Processor, jobRegistry *jobs.Registry) *StdioServer {
	return &StdioServer{
		processor: processor,
		jobs:      jobRegistry,
		logger:    log.WithComponent("stdio"),
		in:        in,
		out:       out,
		done:      make(chan struct{}),
	}
}

// Start launches the read loop.
func (s *StdioServer) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go func() {
		defer close(s.done)
		s.serve(ctx)
	}()
	s.logger.Info().Msg("stdio transport reading")
	return nil
}

// Stop ends the read loop. The caller closes the underlying streams.
func (s *StdioServer) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	select {
	case <-s.done:
	case <-ctx.Done():
	}
	return nil
}

func (s *StdioServer) serve(ctx context.Context) {
	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 64*1024), maxStdioLine)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		s.handleLine(line)
	}
	if err := scanner.Err(); err != nil {
		s.logger.Warn().Err(err).Msg("stdio read loop ended")
	}
}

// HandleLine processes one request line. Exposed for tests.
func (s *StdioServer) HandleLine(line []byte) {
	s.handleLine(line)
}

func (s *StdioServer) handleLine(line []byte) {
	var req toolRequest
	if err := json.Unmarshal(line, &req); err != nil {
		s.write(toolResult{IsError: true, Content: "malformed request: " + err.Error()})
		return
	}

	var result toolResult
	switch req.Tool {
	case "submit-task-response":
		result = s.submitTaskResponse(&req)
	case "get-job-result":
		result = s.getJobResult(&req)
	default:
		result = toolResult{ID: req.ID, IsError: true, Content: fmt.Sprintf("unknown tool %q", req.Tool)}
	}
	s.write(result)
}

func (s *StdioServer) submitTaskResponse(req *toolRequest) toolResult {
	var params struct {
		AgentID           string                   `json:"agentId"`
		TaskID            string                   `json:"taskId"`
		Status            string                   `json:"status"`
		Response          string                   `json:"response"`
		CompletionDetails *types.CompletionDetails `json:"completionDetails,omitempty"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return toolResult{ID: req.ID, IsError: true, Content: "decoding params: " + err.Error()}
	}

	err := s.processor.Process(&types.AgentResponse{
		AgentID:           params.AgentID,
		TaskID:            params.TaskID,
		Status:            types.ResponseStatus(params.Status),
		Response:          params.Response,
		CompletionDetails: params.CompletionDetails,
		ReceivedAt:        time.Now(),
	})
	if err != nil {
		return toolResult{ID: req.ID, IsError: true, Content: err.Error()}
	}
	return toolResult{ID: req.ID, Content: map[string]any{
		"taskId":      params.TaskID,
		"processedAt": time.Now().Format(time.RFC3339),
	}}
}

func (s *StdioServer) getJobResult(req *toolRequest) toolResult {
	var params struct {
		JobID string `json:"jobId"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return toolResult{ID: req.ID, IsError: true, Content: "decoding params: " + err.Error()}
	}

	job, shouldWait, waitTime, err := s.jobs.GetWithRateLimit(params.JobID)
	if err != nil {
		return toolResult{ID: req.ID, IsError: true, Content: err.Error()}
	}
	if shouldWait {
		// A denied poll carries only the wait signal.
		secs := int(math.Ceil(waitTime.Seconds()))
		if secs < 1 {
			secs = 1
		}
		return toolResult{ID: req.ID, Content: map[string]any{
			"message":      fmt.Sprintf("Please wait %d seconds before polling again.", secs),
			"pollInterval": secs,
		}}
	}

	content := map[string]any{
		"jobId":  job.ID,
		"status": string(job.Status),
	}
	if job.Status.Terminal() {
		content["result"] = job.Result
	} else if job.Progress != "" {
		content["progress"] = job.Progress
	}
	return toolResult{ID: req.ID, IsError: job.Status == types.JobStatusFailed, Content: content}
}

func (s *StdioServer) write(result toolResult) {
	raw, err := json.Marshal(result)
	if err != nil {
		s.logger.Error().Err(err).Msg("encoding tool result")
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.out.Write(append(raw, '\n')); err != nil {
		s.logger.Warn().Err(err).Msg("writing tool result")
	}
}
