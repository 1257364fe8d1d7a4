package backend

func init() {
	Register(Metal, func(hiddenDim int, gpuMemBytes uint64) (Backend, error) {
		return &gpuBackend{variant: Metal, hiddenDim: hiddenDim, gpuMemBytes: gpuMemBytes}, nil
	})
}
