package projection

import (
	"context"

	"PoolLedger/internal/core"
	"PoolLedger/internal/observability"

	"github.com/rs/zerolog"
)

type sink struct {
	name string
	ch   chan core.CoreOutput
}

// Fanout copies every core output to each registered sink without blocking.
// A full sink drops the output; read models can be rebuilt from the log.
type Fanout struct {
	in      <-chan core.CoreOutput
	sinks   []sink
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewFanout(in <-chan core.CoreOutput, metrics *observability.Metrics, logger zerolog.Logger) *Fanout {
	return &Fanout{in: in, metrics: metrics, logger: logger}
}

// Add registers a sink. Must be called before Run.
func (f *Fanout) Add(name string, ch chan core.CoreOutput) {
	f.sinks = append(f.sinks, sink{name: name, ch: ch})
}

// Run forwards until the source closes or ctx is cancelled, then closes
// every sink.
func (f *Fanout) Run(ctx context.Context) error {
	defer func() {
		for _, s := range f.sinks {
			close(s.ch)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case output, ok := <-f.in:
			if !ok {
				return nil
			}
			for _, s := range f.sinks {
				select {
				case s.ch <- output:
				default:
					if f.metrics != nil {
						f.metrics.ProjectionDrops.WithLabelValues(s.name).Inc()
					}
					f.logger.Debug().Str("sink", s.name).Int64("sequence", output.Envelope.Sequence).Msg("sink full, output dropped")
				}
			}
		}
	}
}
