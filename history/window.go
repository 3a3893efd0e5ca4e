package history

// Window is one completed time window.
type Window struct {
	Index      int     `json:"index"`
	Start      float64 `json:"start"`
	Size       float64 `json:"size"`
	Iterations int     `json:"iterations"`
	Converged  bool    `json:"converged"`
	Forced     bool    `json:"forced"` // completed by the iteration limit
	Timestamp  int64   `json:"timestamp"`
	PrevHash   string  `json:"prev_hash"`
	Hash       string  `json:"hash"`
}

// End is the simulated time at which the window closed.
func (w Window) End() float64 {
	return w.Start + w.Size
}
