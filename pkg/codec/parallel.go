package codec

import (
	"context"
	"errors"

	"github.com/vango-dev/deltacast/pkg/protocol"
	"github.com/vango-dev/deltacast/pkg/region"
	"golang.org/x/sync/errgroup"
)

// Job is one region to encode: its rectangle and its tight-stride BGRA
// pixels.
type Job struct {
	Rect   region.Rect
	Pixels []byte
}

// EncodeAll encodes jobs in parallel. The i-th region corresponds to the
// i-th job regardless of completion order.
func (c *Codec) EncodeAll(ctx context.Context, jobs []Job) ([]protocol.DirtyRegion, error) {
	out := make([]protocol.DirtyRegion, len(jobs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Workers)

	for i := range jobs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			j := &jobs[i]
			payload, compressed := c.Encode(j.Pixels)
			out[i] = protocol.DirtyRegion{
				X:                uint16(j.Rect.X),
				Y:                uint16(j.Rect.Y),
				Width:            uint16(j.Rect.Width),
				Height:           uint16(j.Rect.Height),
				Payload:          payload,
				UncompressedSize: uint32(len(j.Pixels)),
				Compressed:       compressed,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// DecodeAll decodes every region in parallel. It fails with the first
// *CodecError, annotated with the region index, if any region fails.
func (c *Codec) DecodeAll(ctx context.Context, regions []protocol.DirtyRegion) ([][]byte, error) {
	out := make([][]byte, len(regions))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Workers)

	for i := range regions {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			pixels, err := c.DecodeRegion(regions[i])
			if err != nil {
				var ce *CodecError
				if errors.As(err, &ce) {
					ce.Index = i
				}
				return err
			}
			out[i] = pixels
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
