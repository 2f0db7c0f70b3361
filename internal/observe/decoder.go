package observe

import (
	"context"

	"github.com/earshot-ai/earshot/pkg/provider/stt"
)

// InstrumentDecoder wraps dec so every failed decoder operation is counted
// under the given stage label ("wake", "segment"). A nil m returns dec
// unchanged.
func InstrumentDecoder(dec stt.Decoder, m *Metrics, stage string) stt.Decoder {
	if m == nil {
		return dec
	}
	return &instrumentedDecoder{dec: dec, metrics: m, stage: stage}
}

type instrumentedDecoder struct {
	dec     stt.Decoder
	metrics *Metrics
	stage   string
}

var _ stt.Decoder = (*instrumentedDecoder)(nil)

func (d *instrumentedDecoder) Reset(ctx context.Context) error {
	err := d.dec.Reset(ctx)
	if err != nil {
		d.metrics.RecordDecoderError(ctx, d.stage)
	}
	return err
}

func (d *instrumentedDecoder) Feed(pcm []byte) error {
	err := d.dec.Feed(pcm)
	if err != nil {
		d.metrics.RecordDecoderError(context.Background(), d.stage)
	}
	return err
}

func (d *instrumentedDecoder) PartialText() string { return d.dec.PartialText() }

func (d *instrumentedDecoder) Finalize(ctx context.Context) (stt.Result, error) {
	result, err := d.dec.Finalize(ctx)
	if err != nil {
		d.metrics.RecordDecoderError(ctx, d.stage)
	}
	return result, err
}

func (d *instrumentedDecoder) Close() error { return d.dec.Close() }
