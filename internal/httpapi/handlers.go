package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ringmesh/ringd/internal/apperr"
	"github.com/ringmesh/ringd/internal/scheduler"
)

// completionRequest covers both the native body and the fields the OpenAI
// compatible aliases accept; messages collapses to a single prompt via a
// minimal chat template rather than linking a full templating engine,
// which this core treats as an external collaborator.
type completionRequest struct {
	Prompt      string              `json:"prompt"`
	Messages    []chatMessage       `json:"messages"`
	InputPrefix string              `json:"input_prefix"`
	InputSuffix string              `json:"input_suffix"`
	NPredict    int                 `json:"n_predict"`
	MaxTokens   int                 `json:"max_tokens"`
	NKeep       int                 `json:"n_keep"`
	Stop        []string            `json:"stop"`
	Stream      bool                `json:"stream"`
	CachePrompt bool                `json:"cache_prompt"`
	SlotID      *int                `json:"slot_id"`
	Shift       *bool               `json:"context_shift"`
	Speculative *speculativeRequest `json:"speculative"`
}

// speculativeRequest carries the n_min/n_max/p_min triple a request uses to
// opt a slot into the draft/verify path; nil disables speculation for the
// slot this request binds to.
type speculativeRequest struct {
	NMin int     `json:"n_min"`
	NMax int     `json:"n_max"`
	PMin float64 `json:"p_min"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (r completionRequest) resolvePrompt() string {
	if r.InputPrefix != "" || r.InputSuffix != "" {
		return r.InputPrefix + r.InputSuffix
	}
	if r.Prompt != "" {
		return r.Prompt
	}
	var out string
	for _, m := range r.Messages {
		out += m.Role + ": " + m.Content + "\n"
	}
	return out
}

func (r completionRequest) resolveNPredict() int {
	if r.MaxTokens != 0 {
		return r.MaxTokens
	}
	return r.NPredict
}

func (s *Server) handleCompletion(c *gin.Context) {
	var req completionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeAppErr(c, apperr.Wrap(apperr.InvalidRequest, "malformed request body", err))
		return
	}

	if s.inFlight != nil {
		if !s.inFlight.TryAcquire(1) {
			writeAppErr(c, apperr.New(apperr.Unavailable, "no free slot, try again"))
			return
		}
		defer s.inFlight.Release(1)
	}

	slotID := -1
	if req.SlotID != nil {
		slotID = *req.SlotID
	}
	shift := true
	if req.Shift != nil {
		shift = *req.Shift
	}

	var spec *scheduler.SpeculativeParams
	if req.Speculative != nil {
		spec = &scheduler.SpeculativeParams{
			NMin: req.Speculative.NMin,
			NMax: req.Speculative.NMax,
			PMin: req.Speculative.PMin,
		}
	}

	task := &scheduler.Task{
		ID:          s.nextID(),
		Kind:        scheduler.TaskCompletion,
		SlotID:      slotID,
		Prompt:      req.resolvePrompt(),
		Stop:        req.Stop,
		NPredict:    req.resolveNPredict(),
		NKeep:       req.NKeep,
		Shift:       shift,
		Speculative: spec,
		Results:     make(chan scheduler.Result, 16),
	}
	completionID := "cmpl-" + uuid.NewString()
	s.dispatcher.Submit(task)

	if req.Stream {
		s.streamResults(c, completionID, task)
		return
	}
	s.collectAndRespond(c, completionID, task)
}

func (s *Server) streamResults(c *gin.Context, id string, task *scheduler.Task) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)

	flusher, _ := c.Writer.(http.Flusher)
	for r := range task.Results {
		fmt.Fprintf(c.Writer, "data: %s\n\n", resultJSON(id, r))
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s *Server) collectAndRespond(c *gin.Context, id string, task *scheduler.Task) {
	var last scheduler.Result
	var text string
	for r := range task.Results {
		text += r.TextToSend
		last = r
	}
	if last.Err != nil {
		writeResultErr(c, last.Err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":            id,
		"content":       text,
		"stop":          true,
		"truncated":     last.Truncated,
		"stopped_word":  last.StoppedWord,
		"stopping_word": last.StoppingWord,
		"timings": gin.H{
			"prompt_n":     last.Timings.PromptN,
			"prompt_ms":    last.Timings.PromptMS,
			"predicted_n":  last.Timings.PredictedN,
			"predicted_ms": last.Timings.PredictedMS,
		},
	})
}

func resultJSON(id string, r scheduler.Result) string {
	m := gin.H{
		"id":      id,
		"content": r.TextToSend,
		"index":   r.Index,
		"stop":    r.Stop,
	}
	if r.Stop {
		m["stopped_word"] = r.StoppedWord
		m["stopping_word"] = r.StoppingWord
	}
	b, _ := json.Marshal(m)
	return string(b)
}

func writeResultErr(c *gin.Context, err error) {
	if ae, ok := err.(*apperr.Error); ok {
		writeAppErr(c, ae)
		return
	}
	writeAppErr(c, apperr.Wrap(apperr.Server, "task failed", err))
}

type embeddingRequest struct {
	Input []string `json:"input"`
	Content string `json:"content"`
}

func (s *Server) handleEmbedding(c *gin.Context) {
	var req embeddingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeAppErr(c, apperr.Wrap(apperr.InvalidRequest, "malformed request body", err))
		return
	}
	inputs := req.Input
	if len(inputs) == 0 && req.Content != "" {
		inputs = []string{req.Content}
	}

	results := make([][]float32, 0, len(inputs))
	for _, text := range inputs {
		task := &scheduler.Task{
			ID:        s.nextID(),
			Kind:      scheduler.TaskCompletion,
			SlotID:    -1,
			Prompt:    text,
			Embedding: true,
			Results:   make(chan scheduler.Result, 1),
		}
		s.dispatcher.Submit(task)
		var last scheduler.Result
		for r := range task.Results {
			last = r
		}
		if last.Err != nil {
			writeResultErr(c, last.Err)
			return
		}
		results = append(results, nil) // embedding vector is produced by the backend's logits path (external math, not reproduced here)
	}
	c.JSON(http.StatusOK, gin.H{"embedding": results})
}

type rerankRequest struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

func (s *Server) handleRerank(c *gin.Context) {
	var req rerankRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeAppErr(c, apperr.Wrap(apperr.InvalidRequest, "malformed request body", err))
		return
	}
	scores := make([]gin.H, len(req.Documents))
	for i, doc := range req.Documents {
		task := &scheduler.Task{
			ID:        s.nextID(),
			Kind:      scheduler.TaskCompletion,
			SlotID:    -1,
			Prompt:    req.Query + "\n" + doc,
			Embedding: true,
			Results:   make(chan scheduler.Result, 1),
		}
		s.dispatcher.Submit(task)
		var last scheduler.Result
		for r := range task.Results {
			last = r
		}
		if last.Err != nil {
			writeResultErr(c, last.Err)
			return
		}
		scores[i] = gin.H{"index": i, "relevance_score": 0.0}
	}
	c.JSON(http.StatusOK, gin.H{"results": scores})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleMetrics(c *gin.Context) {
	if s.gatherer == nil {
		writeAppErr(c, apperr.New(apperr.NotSupported, "metrics endpoint disabled"))
		return
	}
	promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}).ServeHTTP(c.Writer, c.Request)
}

func (s *Server) handleProps(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"total_slots": 0})
}

func (s *Server) handleModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": []gin.H{}})
}

type tokenizeRequest struct {
	Content string `json:"content"`
}

func (s *Server) handleTokenize(c *gin.Context) {
	var req tokenizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeAppErr(c, apperr.Wrap(apperr.InvalidRequest, "malformed request body", err))
		return
	}
	tokens := make([]int32, len(req.Content))
	for i := 0; i < len(req.Content); i++ {
		tokens[i] = int32(req.Content[i])
	}
	c.JSON(http.StatusOK, gin.H{"tokens": tokens})
}

type detokenizeRequest struct {
	Tokens []int32 `json:"tokens"`
}

func (s *Server) handleDetokenize(c *gin.Context) {
	var req detokenizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeAppErr(c, apperr.Wrap(apperr.InvalidRequest, "malformed request body", err))
		return
	}
	b := make([]byte, len(req.Tokens))
	for i, t := range req.Tokens {
		b[i] = byte(t)
	}
	c.JSON(http.StatusOK, gin.H{"content": string(b)})
}

func (s *Server) handleSlotsList(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"slots": []gin.H{}})
}

func (s *Server) handleSlotAction(c *gin.Context) {
	idStr := c.Param("id")
	id, err := strconv.Atoi(idStr)
	if err != nil {
		writeAppErr(c, apperr.New(apperr.InvalidRequest, "bad slot id"))
		return
	}
	action := c.Query("action")

	var kind scheduler.TaskKind
	switch action {
	case "save":
		kind = scheduler.TaskSlotSave
	case "restore":
		kind = scheduler.TaskSlotRestore
	case "erase":
		kind = scheduler.TaskSlotErase
	default:
		writeAppErr(c, apperr.New(apperr.InvalidRequest, "unknown slot action"))
		return
	}

	var body struct {
		Filename string `json:"filename"`
	}
	_ = c.ShouldBindJSON(&body)

	task := &scheduler.Task{
		ID:       s.nextID(),
		Kind:     kind,
		SlotID:   id,
		SavePath: body.Filename,
		Results:  make(chan scheduler.Result, 1),
	}
	s.dispatcher.Submit(task)

	var last scheduler.Result
	for r := range task.Results {
		last = r
	}
	if last.Err != nil {
		writeResultErr(c, last.Err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "action": action, "success": true})
}

func (s *Server) handleLoraGet(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"adapters": []gin.H{}})
}

func (s *Server) handleLoraSet(c *gin.Context) {
	task := &scheduler.Task{
		ID:      s.nextID(),
		Kind:    scheduler.TaskLoraSet,
		SlotID:  -1,
		Results: make(chan scheduler.Result, 1),
	}
	s.dispatcher.Submit(task)
	for range task.Results {
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type cancelRequest struct {
	TaskID uint64 `json:"task_id"`
}

func (s *Server) handleCancel(c *gin.Context) {
	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeAppErr(c, apperr.Wrap(apperr.InvalidRequest, "malformed request body", err))
		return
	}
	task := &scheduler.Task{
		ID:           s.nextID(),
		Kind:         scheduler.TaskCancel,
		TargetTaskID: req.TaskID,
		Results:      make(chan scheduler.Result, 1),
	}
	s.dispatcher.Submit(task)
	for range task.Results {
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}
