package train

// Record is the loss reported by one training step.
type Record struct {
	Epoch int
	Step  int
	Loss  float64
}

// History keeps every step loss of a training run.
type History struct {
	Records []Record
}

// NewHistory creates an empty History.
func NewHistory() *History {
	return &History{}
}

// Add appends a step loss.
func (h *History) Add(epoch, step int, loss float64) {
	h.Records = append(h.Records, Record{Epoch: epoch, Step: step, Loss: loss})
}

// Len returns number of recorded steps.
func (h *History) Len() int {
	return len(h.Records)
}

// EpochMean returns mean loss of epoch, or 0 if it has no steps.
func (h *History) EpochMean(epoch int) float64 {
	var sum float64
	n := 0
	for _, r := range h.Records {
		if r.Epoch == epoch {
			sum += r.Loss
			n++
		}
	}
	if n == 0 {
		return 0
	}

	return sum / float64(n)
}
