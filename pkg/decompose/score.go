package decompose

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/tasklab/foreman/pkg/llm"
	"github.com/tasklab/foreman/pkg/types"
)

const defaultScore = 0.5

// FileScore is the model's relevance judgement for one file.
type FileScore struct {
	Path          string  `json:"path"`
	Score         float64 `json:"score"`
	AutoGenerated bool    `json:"autoGenerated,omitempty"`
}

// ScoringResult holds the scores in input order plus chunking facts.
type ScoringResult struct {
	Scores       []FileScore `json:"scores"`
	ChunkingUsed bool        `json:"chunkingUsed"`
	TotalChunks  int         `json:"totalChunks"`
}

// ScoreFileRelevance asks the model how relevant each file is to the task,
// on [0,1]. Inputs larger than the chunk size are split and scored
// concurrently by a bounded worker pool; a chunk whose output stays
// malformed after one retry is filled with default-scored placeholders so
// one bad chunk never sinks the batch.
func (e *Engine) ScoreFileRelevance(ctx context.Context, task *types.AtomicTask, files []string) (*ScoringResult, error) {
	if len(files) == 0 {
		return &ScoringResult{TotalChunks: 0}, nil
	}

	var chunks [][]string
	for start := 0; start < len(files); start += e.cfg.ChunkSize {
		end := min(start+e.cfg.ChunkSize, len(files))
		chunks = append(chunks, files[start:end])
	}

	results := make([][]FileScore, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.WorkerPoolSize)
	for i, chunk := range chunks {
		i, chunk := i, chunk
		g.Go(func() error {
			scores, err := e.scoreChunk(gctx, task, chunk)
			if err != nil {
				e.logger.Warn().Str("task_id", task.ID).Int("chunk", i).Err(err).Msg("chunk scoring failed, substituting defaults")
				scores = defaultScores(chunk)
			}
			results[i] = scores
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := &ScoringResult{
		ChunkingUsed: len(chunks) > 1,
		TotalChunks:  len(chunks),
	}
	for _, scores := range results {
		out.Scores = append(out.Scores, scores...)
	}
	return out, nil
}

// scoreChunk scores one chunk, retrying once on malformed output.
func (e *Engine) scoreChunk(ctx context.Context, task *types.AtomicTask, files []string) ([]FileScore, error) {
	scores, err := e.scoreOnce(ctx, task, files, false)
	if err != nil {
		scores, err = e.scoreOnce(ctx, task, files, true)
	}
	return scores, err
}

func (e *Engine) scoreOnce(ctx context.Context, task *types.AtomicTask, files []string, strict bool) ([]FileScore, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n%s\n\nScore each file's relevance to this task on [0,1]. Reply with a JSON array of {\"path\",\"score\"} covering every file:\n", task.Title, task.Description)
	for _, f := range files {
		fmt.Fprintf(&b, "- %s\n", f)
	}
	if strict {
		b.WriteString("\nSTRICT MODE: previous answer was rejected. Output only the JSON array, one entry per listed file.\n")
	}

	resp, err := e.client.Complete(ctx, llm.Request{
		System: "You estimate which files a code change will touch. Reply with a JSON array only.",
		Prompt: b.String(),
	})
	if err != nil {
		return nil, err
	}

	var parsed []FileScore
	if err := json.Unmarshal([]byte(extractJSON(resp.Text)), &parsed); err != nil {
		return nil, fmt.Errorf("output is not a JSON array: %w", err)
	}

	byPath := make(map[string]float64, len(parsed))
	for _, s := range parsed {
		byPath[s.Path] = clamp01(s.Score)
	}

	// Incomplete coverage counts as malformed: fewer than 80% of the
	// expected files scored.
	covered := 0
	for _, f := range files {
		if _, ok := byPath[f]; ok {
			covered++
		}
	}
	if float64(covered) < 0.8*float64(len(files)) {
		return nil, fmt.Errorf("only %d of %d files scored", covered, len(files))
	}

	out := make([]FileScore, len(files))
	for i, f := range files {
		if score, ok := byPath[f]; ok {
			out[i] = FileScore{Path: f, Score: score}
		} else {
			out[i] = FileScore{Path: f, Score: defaultScore, AutoGenerated: true}
		}
	}
	return out, nil
}

func defaultScores(files []string) []FileScore {
	out := make([]FileScore, len(files))
	for i, f := range files {
		out[i] = FileScore{Path: f, Score: defaultScore, AutoGenerated: true}
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// SelectRelevantFiles returns the files scoring at or above the threshold,
// preserving input order.
func SelectRelevantFiles(result *ScoringResult, threshold float64) []string {
	var out []string
	for _, s := range result.Scores {
		if s.Score >= threshold {
			out = append(out, s.Path)
		}
	}
	return out
}
