package metrics

type Counter interface {
	Inc()
}

type Metrics struct {
	CyclesRun         Counter
	CyclesSkipped     Counter
	HedgesOpened      Counter
	HedgesClosed      Counter
	ExecFailed        Counter
	Rollbacks         Counter
	KillSwitchEngaged Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		CyclesRun:         n,
		CyclesSkipped:     n,
		HedgesOpened:      n,
		HedgesClosed:      n,
		ExecFailed:        n,
		Rollbacks:         n,
		KillSwitchEngaged: n,
	}
}
