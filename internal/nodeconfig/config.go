// Package nodeconfig loads the closed set of per-process configuration
// variables a ring node needs at bring-up. It follows the usual envconfig
// idiom: package-level values, a small "clean" trim helper
// for quoted environment values, and an AsMap/Values introspection pair.
// The HTTP /props endpoint does not use that pair.
package nodeconfig

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config is the closed set of configuration variables from the external
// interfaces section: cluster topology, network endpoints, accelerator
// residency policy, and the engine's batching/parallelism knobs.
type Config struct {
	NWorld   int `json:"n_world"`
	Rank     int `json:"rank"`
	DataPort int `json:"data_port"`
	SignalPort int `json:"signal_port"`

	MasterIP   string `json:"master_ip"`
	NextNodeIP string `json:"next_node_ip"`

	// NLayerWindow is the planner's output: one entry per rank. A zero
	// entry at any index makes NeedsPlanning report true, and serve then
	// refuses to start until `ringd cluster plan` has filled the window.
	NLayerWindow []int `json:"n_layer_window"`

	Prefetch       bool `json:"prefetch"`
	KeepOutInMetal bool `json:"keep_out_in_metal"`
	KeepOutInCUDA  bool `json:"keep_out_in_cuda"`

	MasterPriority float64 `json:"master_priority"`
	GPUMem         uint64  `json:"gpu_mem"`

	NCycles   int `json:"n_cycles"`
	NCtx      int `json:"n_ctx"`
	NBatch    int `json:"n_batch"`
	NUBatch   int `json:"n_ubatch"`
	NParallel int `json:"n_parallel"`

	// SpeculativeDecoding enables the draft/verify path; DraftModelRank pins
	// the rank hosting the draft model, -1 meaning unpinned. Device
	// placement for the draft model is an open question this core refuses to
	// guess at once NWorld > 1 — see planner.CheckDraftPlacement.
	SpeculativeDecoding bool `json:"speculative_decoding"`
	DraftModelRank      int  `json:"draft_model_rank"`
}

// EnvVar documents one environment-backed configuration entry.
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap renders c as an introspection map keyed by environment variable.
func (c Config) AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"RING_N_WORLD":       {"RING_N_WORLD", c.NWorld, "Number of nodes in the ring"},
		"RING_RANK":          {"RING_RANK", c.Rank, "This node's position in the ring, 0 is head"},
		"RING_DATA_PORT":     {"RING_DATA_PORT", c.DataPort, "TCP port for the activation data link"},
		"RING_SIGNAL_PORT":   {"RING_SIGNAL_PORT", c.SignalPort, "TCP port for the KV control-plane signal link"},
		"RING_MASTER_IP":     {"RING_MASTER_IP", c.MasterIP, "Address of rank 0"},
		"RING_NEXT_NODE_IP":  {"RING_NEXT_NODE_IP", c.NextNodeIP, "Address of (rank+1) mod n_world"},
		"RING_PREFETCH":      {"RING_PREFETCH", c.Prefetch, "Enable pipeline-engine weight prefetch"},
		"RING_KEEP_OUT_METAL": {"RING_KEEP_OUT_METAL", c.KeepOutInMetal, "Keep out-of-window tiles out of Metal residency"},
		"RING_KEEP_OUT_CUDA": {"RING_KEEP_OUT_CUDA", c.KeepOutInCUDA, "Keep out-of-window tiles out of CUDA residency"},
		"RING_MASTER_PRIORITY": {"RING_MASTER_PRIORITY", c.MasterPriority, "Planner weighting bias for rank 0's compute estimate"},
		"RING_GPU_MEM":       {"RING_GPU_MEM", c.GPUMem, "Bytes of VRAM this node reports to the planner"},
		"RING_N_CYCLES":      {"RING_N_CYCLES", c.NCycles, "Concurrent in-flight micro-batches per token"},
		"RING_N_CTX":         {"RING_N_CTX", c.NCtx, "Context window size in tokens"},
		"RING_N_BATCH":       {"RING_N_BATCH", c.NBatch, "Logical batch size"},
		"RING_N_UBATCH":      {"RING_N_UBATCH", c.NUBatch, "Physical micro-batch size"},
		"RING_N_PARALLEL":    {"RING_N_PARALLEL", c.NParallel, "Number of concurrent slots"},
		"RING_SPECULATIVE_DECODING": {"RING_SPECULATIVE_DECODING", c.SpeculativeDecoding, "Enable the draft/verify speculative decoding path"},
		"RING_DRAFT_MODEL_RANK":     {"RING_DRAFT_MODEL_RANK", c.DraftModelRank, "Rank pinned to host the draft model, -1 if unpinned"},
	}
}

// Values renders AsMap as plain strings.
func (c Config) Values() map[string]string {
	vals := make(map[string]string, len(c.AsMap()))
	for k, v := range c.AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

// NeedsPlanning reports whether the planner must run before bring-up can
// proceed: either no window was supplied at all, or any rank's entry is the
// zero sentinel.
func (c Config) NeedsPlanning() bool {
	if len(c.NLayerWindow) != c.NWorld {
		return true
	}
	for _, w := range c.NLayerWindow {
		if w == 0 {
			return true
		}
	}
	return false
}

func clean(key string) string {
	return strings.Trim(os.Getenv(key), "\"' ")
}

// Defaults returns the configuration baseline before environment and file
// overrides are layered on, matching the reference server's own defaults
// for batching and parallelism.
func Defaults() Config {
	return Config{
		NWorld:    1,
		Rank:      0,
		DataPort:  9000,
		SignalPort: 9001,
		NCycles:   1,
		NCtx:      4096,
		NBatch:    2048,
		NUBatch:   512,
		NParallel: 1,
		DraftModelRank: -1,
	}
}

// LoadFile layers a JSON config file underneath environment overrides.
// A missing file is not an error; it simply leaves cfg unchanged.
func LoadFile(cfg *Config, path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("nodeconfig: reading %s: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("nodeconfig: parsing %s: %w", path, err)
	}
	return nil
}

// SaveFile writes cfg to path as JSON.
func SaveFile(cfg Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("nodeconfig: marshalling config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// LoadEnv layers RING_* environment variables on top of cfg, logging and
// skipping any variable that fails to parse rather than aborting bring-up.
func LoadEnv(cfg *Config, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}

	intVar := func(name string, dst *int) {
		if v := clean(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				logger.Warn("invalid integer setting, ignoring", "var", name, "value", v, "error", err)
				return
			}
			*dst = n
		}
	}
	boolVar := func(name string, dst *bool) {
		if v := clean(name); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				logger.Warn("invalid boolean setting, ignoring", "var", name, "value", v, "error", err)
				return
			}
			*dst = b
		}
	}
	floatVar := func(name string, dst *float64) {
		if v := clean(name); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				logger.Warn("invalid float setting, ignoring", "var", name, "value", v, "error", err)
				return
			}
			*dst = f
		}
	}
	uintVar := func(name string, dst *uint64) {
		if v := clean(name); v != "" {
			u, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				logger.Warn("invalid unsigned integer setting, ignoring", "var", name, "value", v, "error", err)
				return
			}
			*dst = u
		}
	}

	intVar("RING_N_WORLD", &cfg.NWorld)
	intVar("RING_RANK", &cfg.Rank)
	intVar("RING_DATA_PORT", &cfg.DataPort)
	intVar("RING_SIGNAL_PORT", &cfg.SignalPort)
	if v := clean("RING_MASTER_IP"); v != "" {
		cfg.MasterIP = v
	}
	if v := clean("RING_NEXT_NODE_IP"); v != "" {
		cfg.NextNodeIP = v
	}
	if v := clean("RING_N_LAYER_WINDOW"); v != "" {
		parts := strings.Split(v, ",")
		window := make([]int, 0, len(parts))
		for _, p := range parts {
			n, err := strconv.Atoi(strings.TrimSpace(p))
			if err != nil {
				logger.Warn("invalid RING_N_LAYER_WINDOW entry, ignoring whole list", "value", v, "error", err)
				window = nil
				break
			}
			window = append(window, n)
		}
		if window != nil {
			cfg.NLayerWindow = window
		}
	}
	boolVar("RING_PREFETCH", &cfg.Prefetch)
	boolVar("RING_KEEP_OUT_METAL", &cfg.KeepOutInMetal)
	boolVar("RING_KEEP_OUT_CUDA", &cfg.KeepOutInCUDA)
	floatVar("RING_MASTER_PRIORITY", &cfg.MasterPriority)
	uintVar("RING_GPU_MEM", &cfg.GPUMem)
	intVar("RING_N_CYCLES", &cfg.NCycles)
	intVar("RING_N_CTX", &cfg.NCtx)
	intVar("RING_N_BATCH", &cfg.NBatch)
	intVar("RING_N_UBATCH", &cfg.NUBatch)
	intVar("RING_N_PARALLEL", &cfg.NParallel)
	boolVar("RING_SPECULATIVE_DECODING", &cfg.SpeculativeDecoding)
	intVar("RING_DRAFT_MODEL_RANK", &cfg.DraftModelRank)
}

// Load builds a Config from defaults, an optional JSON file, and the
// environment, in that layering order (later layers win).
func Load(filePath string, logger *slog.Logger) (Config, error) {
	cfg := Defaults()
	if err := LoadFile(&cfg, filePath); err != nil {
		return cfg, err
	}
	LoadEnv(&cfg, logger)
	return cfg, nil
}
