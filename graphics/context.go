package graphics

// Context is a window with a current OpenGL context.
type Context interface {
	MakeCurrent()
	DetachCurrent()
	Shutdown()
	ShouldClose() bool
	// EndFrame swaps buffers and processes window events.
	EndFrame()
	GetFramebufferSize() (int, int)
	Time() float64
	// GetMouseInput returns the current mouse state: x, y, clickX, clickY
	GetMouseInput() [4]float32
	OnResize(func(w, h int))
}
