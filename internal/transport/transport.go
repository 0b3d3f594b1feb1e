// Package transport exposes the runner's RPC surface (Health, LoadModel,
// Predict, PredictStream) over net/http + encoding/json, chunked-transfer
// streaming for partials, the same convention
// runner/llamarunner/handlers.go uses. See DESIGN.md's "RPC transport
// decision" for why this repository does not hand-author gRPC/protobuf
// stubs for this surface.
package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/corerun/llamarunner/internal/queue"
	"github.com/corerun/llamarunner/internal/runner"
	"github.com/corerun/llamarunner/internal/slot"
)

// ModelOptions mirrors spec.md §6's LoadModel payload.
type ModelOptions struct {
	ModelFile           string `json:"model_file"`
	ContextSize         int    `json:"context_size"`
	Parallel            int    `json:"parallel"`
	BatchSize           int    `json:"batch_size"`
	GPULayers           int    `json:"gpu_layers"`
	MultimodalProjector string `json:"mmproj,omitempty"`
	SystemPrompt        string `json:"system_prompt,omitempty"`
}

// PredictOptions mirrors spec.md §6's Predict/PredictStream payload.
type PredictOptions struct {
	Prompt           string         `json:"prompt"`
	Images           []PredictImage `json:"images,omitempty"`
	NPredict         int            `json:"n_predict"`
	NKeep            int            `json:"n_keep"`
	Stop             []string       `json:"stop,omitempty"`
	CachePrompt      bool           `json:"cache_prompt"`
	Truncate         bool           `json:"truncate"`
	Embedding        bool           `json:"embedding"`
	Logprobs         bool           `json:"logprobs"`
	TopLogprobs      int            `json:"top_logprobs"`

	// Infill mode (spec.md §4.3 step 2): Prompt is ignored and the special
	// PREFIX/SUFFIX/MIDDLE tokens are spliced around these two fields.
	Infill      bool   `json:"infill,omitempty"`
	InputPrefix string `json:"input_prefix,omitempty"`
	InputSuffix string `json:"input_suffix,omitempty"`

	TopK              int     `json:"top_k"`
	TopP              float32 `json:"top_p"`
	TailFreeSamplingZ float32 `json:"tfs_z"`
	TypicalP          float32 `json:"typical_p"`
	Temperature       float32 `json:"temperature"`
	RepeatLastN       int     `json:"repeat_last_n"`
	RepeatPenalty     float32 `json:"repeat_penalty"`
	FrequencyPenalty  float32 `json:"frequency_penalty"`
	PresencePenalty   float32 `json:"presence_penalty"`
	PenalizeNL        bool    `json:"penalize_nl"`
	IgnoreEOS         bool    `json:"ignore_eos"`
	Grammar           string  `json:"grammar,omitempty"`
	Mirostat          int     `json:"mirostat"`
	MirostatTau       float32 `json:"mirostat_tau"`
	MirostatEta       float32 `json:"mirostat_eta"`
	Seed              uint32  `json:"seed"`
}

// PredictImage carries one multimodal attachment. Data is base64-encoded
// image bytes, the same wire convention llama.cpp's server uses for its
// images array.
type PredictImage struct {
	ID   int    `json:"id"`
	Data string `json:"data"`
}

// CancelOptions mirrors spec.md §4.1's request_cancel(target_id).
type CancelOptions struct {
	TaskID int64 `json:"task_id"`
}

// Reply is the single-shot / per-chunk response payload.
type Reply struct {
	Message      string        `json:"message,omitempty"`
	Done         bool          `json:"done,omitempty"`
	DoneReason   string        `json:"done_reason,omitempty"`
	PromptTokens int           `json:"prompt_tokens,omitempty"`
	EvalTokens   int           `json:"eval_tokens,omitempty"`
	Embedding    []float32     `json:"embedding,omitempty"`
	Logprobs     []queue.Logprob `json:"logprobs,omitempty"`
}

// ModelLoader is implemented by whatever owns bringing an engine up for a
// ModelOptions request; internal/transport only needs to know whether a
// model is loaded and how to ask for one, not how loading works.
type ModelLoader interface {
	Load(ctx context.Context, opts ModelOptions) error
	Ready() bool
	Progress() float32
}

// Server wires a runner.Server and a ModelLoader to the HTTP surface.
type Server struct {
	loader ModelLoader
	runner *runner.Server
}

func New(loader ModelLoader, r *runner.Server) *Server {
	return &Server{loader: loader, runner: r}
}

func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.health)
	mux.HandleFunc("POST /load", s.load)
	mux.HandleFunc("POST /completion", s.completion)
	mux.HandleFunc("POST /embedding", s.embedding)
	mux.HandleFunc("POST /cancel", s.cancel)
	mux.HandleFunc("GET /slots", s.slots)
	return mux
}

// cancel implements spec.md §4.1's request_cancel(target_id): the scheduler
// releases the matching slot within its next tick.
func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	var opts CancelOptions
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	s.runner.RequestCancel(opts.TaskID)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"success": true})
}

// slots is a debug-only endpoint (not part of spec.md §6's RPC surface)
// backing the `runner slots` CLI command, modeled on the original
// llama.cpp server's /slots monitoring endpoint.
func (s *Server) slots(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.runner.SlotsSnapshot())
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	status := "loading"
	if s.loader.Ready() {
		status = "ok"
	}
	json.NewEncoder(w).Encode(map[string]any{"status": status, "progress": s.loader.Progress()})
}

func (s *Server) load(w http.ResponseWriter, r *http.Request) {
	var opts ModelOptions
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if err := s.loader.Load(r.Context(), opts); err != nil {
		http.Error(w, fmt.Sprintf("load failed: %v", err), http.StatusInternalServerError)
		return
	}
	if opts.SystemPrompt != "" {
		s.runner.SetSystemPrompt(opts.SystemPrompt)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"success": true})
}

func (s *Server) completion(w http.ResponseWriter, r *http.Request) {
	var req PredictOptions
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	task, err := toTask(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	task.RequestID = uuid.NewString()

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Transfer-Encoding", "chunked")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	if _, err := s.runner.Submit(r.Context(), task); err != nil {
		http.Error(w, fmt.Sprintf("submit: %v", err), http.StatusInternalServerError)
		return
	}
	defer s.runner.Release()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			close(task.Quit)
			return
		case res, ok := <-task.Results:
			if !ok {
				return
			}
			if res.Err != nil {
				http.Error(w, res.Err.Error(), errStatusFor(res.Err))
				return
			}
			if err := enc.Encode(replyFrom(res)); err != nil {
				slog.Error("encode completion response", "error", err)
				close(task.Quit)
				return
			}
			flusher.Flush()
			if res.Done {
				return
			}
		}
	}
}

func (s *Server) embedding(w http.ResponseWriter, r *http.Request) {
	var req PredictOptions
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	req.Embedding = true
	task, err := toTask(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	task.RequestID = uuid.NewString()

	if _, err := s.runner.Submit(r.Context(), task); err != nil {
		http.Error(w, fmt.Sprintf("submit: %v", err), http.StatusInternalServerError)
		return
	}
	defer s.runner.Release()

	res := s.runner.Results().WaitFinal(task.ID)
	if res.Err != nil {
		http.Error(w, res.Err.Error(), errStatusFor(res.Err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(replyFrom(res))
}

func errStatusFor(err error) int {
	if errors.Is(err, runner.ErrInputTooLong) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// toTask converts a decoded PredictOptions into a queue.Task. A malformed
// base64 image attachment is a ConfigurationError per spec.md §7: the task
// must fail outright rather than silently continue with a missing or
// phantom attachment, so this returns an error instead of dropping it.
func toTask(req PredictOptions) (*queue.Task, error) {
	images := make([]slot.Image, 0, len(req.Images))
	for _, im := range req.Images {
		data, err := base64.StdEncoding.DecodeString(im.Data)
		if err != nil {
			return nil, fmt.Errorf("image %d: malformed base64 data: %w", im.ID, err)
		}
		images = append(images, slot.Image{ID: im.ID, Data: data})
	}
	return &queue.Task{
		Prompt: req.Prompt,
		Images: images,
		Params: paramsFrom(req),
		Sampling: queue.SamplingRequest{
			TopK:              req.TopK,
			TopP:              req.TopP,
			TailFreeSamplingZ: req.TailFreeSamplingZ,
			TypicalP:          req.TypicalP,
			Temperature:       req.Temperature,
			RepeatLastN:       req.RepeatLastN,
			RepeatPenalty:     req.RepeatPenalty,
			FrequencyPenalty:  req.FrequencyPenalty,
			PresencePenalty:   req.PresencePenalty,
			PenalizeNL:        req.PenalizeNL,
			IgnoreEOS:         req.IgnoreEOS,
			Grammar:           req.Grammar,
			Mirostat:          req.Mirostat,
			MirostatTau:       req.MirostatTau,
			MirostatEta:       req.MirostatEta,
			Seed:              req.Seed,
		},
	}, nil
}

func paramsFrom(req PredictOptions) slot.Params {
	return slot.Params{
		NPredict:    req.NPredict,
		NKeep:       req.NKeep,
		Stop:        req.Stop,
		CachePrompt: req.CachePrompt,
		Truncate:    req.Truncate,
		Embedding:   req.Embedding,
		Logprobs:    req.Logprobs,
		TopLogprobs: req.TopLogprobs,
		Infill:      req.Infill,
		InputPrefix: req.InputPrefix,
		InputSuffix: req.InputSuffix,
	}
}

func replyFrom(res queue.Result) Reply {
	return Reply{
		Message:      res.Content,
		Done:         res.Done,
		DoneReason:   res.DoneReason,
		PromptTokens: res.PromptTokens,
		EvalTokens:   res.EvalTokens,
		Embedding:    res.Embedding,
		Logprobs:     res.Logprobs,
	}
}
