package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ringmesh/ringd/internal/backend"
	"github.com/ringmesh/ringd/internal/httpapi"
	"github.com/ringmesh/ringd/internal/kvcache"
	"github.com/ringmesh/ringd/internal/kvcontrol"
	"github.com/ringmesh/ringd/internal/logutil"
	"github.com/ringmesh/ringd/internal/metrics"
	"github.com/ringmesh/ringd/internal/nodeconfig"
	"github.com/ringmesh/ringd/internal/pipeline"
	"github.com/ringmesh/ringd/internal/planner"
	"github.com/ringmesh/ringd/internal/ringnet"
	"github.com/ringmesh/ringd/internal/scheduler"
	"github.com/ringmesh/ringd/internal/weightstore"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Bring up this node and join the ring",
		RunE:  runServe,
	}
	cmd.Flags().String("config", "", "path to a node config JSON file")
	cmd.Flags().String("model", "", "path to the memory-mapped model weights file")
	cmd.Flags().Uint64("bytes-per-layer", 0, "bytes occupied by one transformer layer in the model file (defaults to the planner's own estimate)")
	cmd.Flags().String("variant", string(backend.CPU), "compute backend variant: cpu, cuda, metal, none")
	cmd.Flags().Int("hidden-dim", 8192, "model hidden dimension, passed to the backend factory")
	cmd.Flags().Int("ctx-slot", 4096, "per-slot kv cache capacity in tokens")
	cmd.Flags().Float64("similarity-threshold", 0.5, "minimum prompt-prefix match fraction for slot reuse")
	cmd.Flags().String("http-addr", ":8080", "HTTP listen address, rank 0 only")
	cmd.Flags().String("api-key", "", "bearer key required on protected HTTP routes; empty disables auth")
	cmd.Flags().Duration("dial-timeout", 10*time.Second, "timeout for the ring bring-up handshake")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := defaultLogger()

	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := nodeconfig.Load(configPath, logger)
	if err != nil {
		return fmt.Errorf("serve: loading config: %w", err)
	}
	if cfg.NeedsPlanning() {
		return fmt.Errorf("serve: n_layer_window is unset or incomplete for this %d-node ring; run `ringd cluster plan` against a device manifest first and pass its output back in via config or RING_N_LAYER_WINDOW", cfg.NWorld)
	}

	modelPath, _ := cmd.Flags().GetString("model")
	if modelPath == "" {
		return fmt.Errorf("serve: --model is required")
	}
	bytesPerLayer, _ := cmd.Flags().GetUint64("bytes-per-layer")
	if bytesPerLayer == 0 {
		bytesPerLayer = planner.DefaultTunables().BytesPerLayer
	}
	variantFlag, _ := cmd.Flags().GetString("variant")
	hiddenDim, _ := cmd.Flags().GetInt("hidden-dim")
	nCtxSlot, _ := cmd.Flags().GetInt("ctx-slot")
	similarityThreshold, _ := cmd.Flags().GetFloat64("similarity-threshold")
	httpAddr, _ := cmd.Flags().GetString("http-addr")
	apiKey, _ := cmd.Flags().GetString("api-key")
	dialTimeout, _ := cmd.Flags().GetDuration("dial-timeout")

	totalLayers := 0
	windowBegin := 0
	for i := 0; i < cfg.Rank; i++ {
		windowBegin += cfg.NLayerWindow[i]
	}
	for _, n := range cfg.NLayerWindow {
		totalLayers += n
	}
	windowSize := cfg.NLayerWindow[cfg.Rank]
	window := pipeline.Window{Begin: windowBegin, End: windowBegin + windowSize}
	isFinal := window.End == totalLayers

	layout := make([]weightstore.LayerRange, windowSize)
	for i := range layout {
		layout[i] = weightstore.LayerRange{Offset: int64(windowBegin+i) * int64(bytesPerLayer), Size: int64(bytesPerLayer)}
	}
	store, err := weightstore.Open(modelPath, layout)
	if err != nil {
		return fmt.Errorf("serve: opening weight store: %w", err)
	}
	defer store.Close()

	be, err := backend.New(backend.Variant(variantFlag), hiddenDim, cfg.GPUMem)
	if err != nil {
		return fmt.Errorf("serve: building backend: %w", err)
	}
	defer be.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dataLink, signalLink, err := bringUpRing(ctx, cfg, dialTimeout, logger)
	if err != nil {
		return fmt.Errorf("serve: ring bring-up: %w", err)
	}
	defer dataLink.Close()
	defer signalLink.Close()

	cache := kvcache.New(windowSize, int32(nCtxSlot))
	plane := kvcontrol.New(signalLink, cache, cfg.Rank, cfg.NWorld, 0)

	horizon := pipeline.Horizon(float64(bytesPerLayer)/estimateDiskBW(), 0.01)
	gpuLayers := estimateGPULayers(cfg, windowSize, bytesPerLayer)

	var sched *scheduler.Server
	var coll *metrics.Collectors
	var srv *http.Server

	egress := func(f pipeline.Frame) error {
		return dataLink.Send(ringnet.DataFrame{
			CycleID: f.CycleID,
			BatchID: f.BatchID,
			NTokens: f.NTokens,
			Payload: ringnet.EncodeItems(f.Items),
		})
	}
	if cfg.Rank == 0 {
		sched = scheduler.New(cfg.NParallel, int32(nCtxSlot), cache, kvcontrol.NewBroadcaster(plane), similarityThreshold, logutil.ForNode(logger, cfg.Rank, "scheduler"))
		if cfg.SpeculativeDecoding {
			if err := planner.CheckDraftPlacement(cfg.NWorld, cfg.SpeculativeDecoding, cfg.DraftModelRank); err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			sched.SetDraftProposer(scheduler.SequentialDraftProposer{VocabSize: backend.VocabSize})
		}
		coll = metrics.New()

		api := httpapi.New(dispatcherFor(sched), apiKey, coll.Registry, cfg.NParallel)
		srv = &http.Server{Addr: httpAddr, Handler: api.Routes()}
	}

	pipelineLogger := logutil.ForNode(logger, cfg.Rank, "pipeline")
	engine := pipeline.New(window, store, be, gpuLayers, horizon, 1, isFinal, egress, pipelineLogger)

	// errgroup ties every node goroutine's lifetime together: the first
	// one to fail cancels gctx, which is what the ingress loop, the
	// control-plane relay, the head loop, and the HTTP listener's
	// shutdown goroutine all watch, instead of each looping on its own
	// private done channel unaware the others gave up.
	g, gctx := errgroup.WithContext(ctx)
	if cfg.Rank == 0 {
		// Frames arriving here have already gone all the way around the
		// ring; running them through this node's own window again would
		// re-decode logit bytes as if they were activations. Route them to
		// the scheduler instead of through the pipeline engine.
		g.Go(func() error { return runHeadIngressLoop(gctx, dataLink, sched) })
	} else {
		g.Go(func() error { return runIngressLoop(gctx, dataLink, engine) })
	}
	g.Go(func() error { return plane.Run(gctx) })
	if cfg.Rank == 0 {
		g.Go(func() error { return runHeadLoop(gctx, sched, engine, coll) })
		g.Go(func() error {
			logger.Info("http listener starting", "addr", httpAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("http listener: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	sigintCount := 0
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case <-ctx.Done():
	case <-sigCh:
		sigintCount++
		if cfg.Rank == 0 && sigintCount >= 2 {
			os.Exit(1)
		}
	case err := <-done:
		if err != nil && err != context.Canceled {
			logger.Error("node loop exited", "error", err)
			return err
		}
	}
	return nil
}

// bringUpRing dials the next rank and accepts from the previous rank for
// both the data and signal ports. ringnet's links take pre-established
// connections, so the dial/listen handshake is this command's job, not
// the transport package's.
func bringUpRing(ctx context.Context, cfg nodeconfig.Config, timeout time.Duration, logger *slog.Logger) (*ringnet.DataLink, *ringnet.SignalLink, error) {
	dataListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.DataPort))
	if err != nil {
		return nil, nil, fmt.Errorf("listening on data port: %w", err)
	}
	defer dataListener.Close()
	signalListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.SignalPort))
	if err != nil {
		return nil, nil, fmt.Errorf("listening on signal port: %w", err)
	}
	defer signalListener.Close()

	type acceptResult struct {
		conn net.Conn
		err  error
	}
	dataAccept := make(chan acceptResult, 1)
	signalAccept := make(chan acceptResult, 1)
	go func() { c, e := dataListener.Accept(); dataAccept <- acceptResult{c, e} }()
	go func() { c, e := signalListener.Accept(); signalAccept <- acceptResult{c, e} }()

	dialer := net.Dialer{Timeout: timeout}
	nextDataAddr := fmt.Sprintf("%s:%d", cfg.NextNodeIP, cfg.DataPort)
	nextSignalAddr := fmt.Sprintf("%s:%d", cfg.NextNodeIP, cfg.SignalPort)

	logger.Info("ring bring-up: dialing next rank", "rank", cfg.Rank, "next", cfg.NextNodeIP)

	var dataOut, signalOut net.Conn
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for dataOut == nil || signalOut == nil {
		if dataOut == nil {
			if c, err := dialer.DialContext(dialCtx, "tcp", nextDataAddr); err == nil {
				dataOut = c
			}
		}
		if signalOut == nil {
			if c, err := dialer.DialContext(dialCtx, "tcp", nextSignalAddr); err == nil {
				signalOut = c
			}
		}
		if dataOut == nil || signalOut == nil {
			select {
			case <-dialCtx.Done():
				return nil, nil, fmt.Errorf("dialing next rank %s: %w", cfg.NextNodeIP, dialCtx.Err())
			case <-time.After(200 * time.Millisecond):
			}
		}
	}

	dataIn := <-dataAccept
	if dataIn.err != nil {
		return nil, nil, fmt.Errorf("accepting data connection: %w", dataIn.err)
	}
	signalIn := <-signalAccept
	if signalIn.err != nil {
		return nil, nil, fmt.Errorf("accepting signal connection: %w", signalIn.err)
	}

	return ringnet.NewDataLink(dataOut, dataIn.conn), ringnet.NewSignalLink(signalOut, signalIn.conn), nil
}

// runIngressLoop feeds every inbound data frame from the previous rank
// through this node's pipeline engine.
func runIngressLoop(ctx context.Context, link *ringnet.DataLink, engine *pipeline.Engine) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f, err := link.Receive()
		if err != nil {
			return fmt.Errorf("ring ingress: %w", err)
		}
		items, err := ringnet.DecodeItems(f.Payload)
		if err != nil {
			return fmt.Errorf("ring ingress: decoding payload: %w", err)
		}
		frame := pipeline.Frame{CycleID: f.CycleID, BatchID: f.BatchID, NTokens: f.NTokens, Items: items}
		if err := engine.ProcessFrame(ctx, frame); err != nil {
			return fmt.Errorf("ring ingress: processing frame %d/%d: %w", f.CycleID, f.BatchID, err)
		}
	}
}

// runHeadIngressLoop is rank 0's other half of the update-slots loop: it
// receives the frames runHeadLoop's dispatch sent around the ring, now
// carrying the terminal layer's logits (C6 step 2), decodes each
// EmitLogits item's row, samples it with the reference argmax sampler, and
// hands the result to the scheduler's RecordToken/VerifyDraftRun path via
// HandleReturnedBatch. Real per-token probabilities and a real draft model
// are external collaborators this core does not implement; Argmax is the
// seam a production sampler would replace.
func runHeadIngressLoop(ctx context.Context, link *ringnet.DataLink, sched *scheduler.Server) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f, err := link.Receive()
		if err != nil {
			return fmt.Errorf("ring ingress: %w", err)
		}
		items, err := ringnet.DecodeItems(f.Payload)
		if err != nil {
			return fmt.Errorf("ring ingress: decoding payload: %w", err)
		}

		var tokens []scheduler.ReturnedToken
		for _, item := range items {
			if !item.EmitLogits || len(item.Activation) == 0 {
				continue
			}
			token := backend.Argmax(backend.DecodeLogitRow(item.Activation))
			tokens = append(tokens, scheduler.ReturnedToken{
				SlotID: int(item.SeqID - 1),
				Token:  token,
				Piece:  scheduler.DetokenizeApprox(token),
			})
		}
		if len(tokens) > 0 {
			sched.HandleReturnedBatch(tokens)
		}
	}
}

// runHeadLoop is rank 0's dispatch half of the update-slots loop: drain
// the task queue, assemble a step batch across active slots, and push it
// around the ring through this node's own layer window. The frame this
// loop's engine.ProcessFrame call egresses is picked back up, once it has
// gone all the way around the ring, by runHeadIngressLoop.
func runHeadLoop(ctx context.Context, sched *scheduler.Server, engine *pipeline.Engine, coll *metrics.Collectors) error {
	var batchID uint32
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		for sched.DispatchOne() {
		}

		stepItems := sched.NextBatchItems(256)
		if len(stepItems) == 0 {
			continue
		}

		items := make([]backend.Item, len(stepItems))
		for i, si := range stepItems {
			items[i] = backend.Item{Token: si.Token, Position: si.Position, SeqID: si.SeqID, EmitLogits: si.EmitLogits}
		}

		start := time.Now()
		batchID++
		if err := engine.ProcessFrame(ctx, pipeline.Frame{CycleID: 0, BatchID: batchID, NTokens: uint32(len(items)), Items: items}); err != nil {
			return fmt.Errorf("head loop: processing frame: %w", err)
		}
		if coll != nil {
			coll.PipelineStepMS.Observe(float64(time.Since(start).Milliseconds()))
		}
	}
}

func estimateDiskBW() float64 {
	return 1024 * 1024 * 1024 // 1 GiB/s, a conservative default absent a measured profile
}

func estimateGPULayers(cfg nodeconfig.Config, windowSize int, bytesPerLayer uint64) int {
	if cfg.GPUMem == 0 || bytesPerLayer == 0 {
		return 0
	}
	fit := int(cfg.GPUMem / bytesPerLayer)
	if fit > windowSize {
		fit = windowSize
	}
	return fit
}

type dispatcherAdapter struct {
	sched *scheduler.Server
}

func (d dispatcherAdapter) Submit(t *scheduler.Task) { d.sched.Submit(t) }

func dispatcherFor(sched *scheduler.Server) httpapi.Dispatcher {
	return dispatcherAdapter{sched: sched}
}
