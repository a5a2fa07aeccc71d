package wgpu

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/framegraph/backend"
	"github.com/gogpu/framegraph/ir"
)

// Encoder maps the framegraph's command stream onto hal passes. Compute
// state (pipeline, bind groups) is latched and replayed when a dispatch
// opens its pass; render passes replay the framebuffer's attachments.
type Encoder struct {
	dev   *Device
	enc   hal.CommandEncoder
	label string

	renderPass hal.RenderPassEncoder

	pendingPipeline *pipeline
	pendingSets     map[int]*descriptorSet
}

func (e *Encoder) BeginEncoding(label string) error {
	if err := e.enc.BeginEncoding(label); err != nil {
		return fmt.Errorf("wgpu: begin encoding: %w", err)
	}
	return nil
}

func (e *Encoder) EndEncoding() (backend.CommandBuffer, error) {
	cb, err := e.enc.EndEncoding()
	if err != nil {
		return nil, fmt.Errorf("wgpu: end encoding: %w", err)
	}
	return cb, nil
}

// layoutToUsage maps a framegraph image layout onto the hal usage the
// texture must transition to.
func layoutToUsage(l ir.ImageLayout) gputypes.TextureUsage {
	switch l {
	case ir.LayoutTransferSrcOptimal, ir.LayoutPresentSrc:
		return gputypes.TextureUsageCopySrc
	case ir.LayoutTransferDstOptimal, ir.LayoutPreinitialized:
		return gputypes.TextureUsageCopyDst
	case ir.LayoutColorAttachmentOptimal, ir.LayoutDepthStencilAttachmentOptimal:
		return gputypes.TextureUsageRenderAttachment
	default:
		return gputypes.TextureUsageTextureBinding
	}
}

func (e *Encoder) PipelineBarrier(images []backend.ImageBarrier, buffers []backend.BufferBarrier, memory []backend.MemoryBarrier) {
	var barriers []hal.TextureBarrier
	for _, b := range images {
		t, ok := b.Image.(*texture)
		if !ok {
			continue
		}
		old := layoutToUsage(b.OldLayout)
		if b.OldLayout == ir.LayoutUndefined {
			old = 0
		}
		barriers = append(barriers, hal.TextureBarrier{
			Texture: t.tex,
			Usage: hal.TextureUsageTransition{
				OldUsage: old,
				NewUsage: layoutToUsage(b.NewLayout),
			},
		})
	}
	if len(barriers) > 0 {
		e.enc.TransitionTextures(barriers)
	}
	// Buffer and memory barriers are implicit in the hal's ordered queue.
}

func (e *Encoder) BeginRenderPass(rp backend.RenderPass, fb backend.Framebuffer, clears []ir.ClearColor) {
	r, rok := rp.(*renderPass)
	f, fok := fb.(*framebuffer)
	if !rok || !fok {
		return
	}
	var colors []hal.RenderPassColorAttachment
	for i, att := range r.ci.Attachments {
		if i >= len(f.attachments) {
			break
		}
		view, ok := f.attachments[i].(hal.TextureView)
		if !ok {
			if t, tok := f.attachments[i].(*texture); tok {
				view = t.view
			} else {
				continue
			}
		}
		load := gputypes.LoadOpLoad
		if att.LoadOp == backend.LoadOpClear {
			load = gputypes.LoadOpClear
		}
		store := gputypes.StoreOpStore
		if att.StoreOp == backend.StoreOpDontCare {
			store = gputypes.StoreOpDiscard
		}
		var clear gputypes.Color
		if i < len(clears) {
			clear = gputypes.Color{
				R: float64(clears[i].R), G: float64(clears[i].G),
				B: float64(clears[i].B), A: float64(clears[i].A),
			}
		}
		colors = append(colors, hal.RenderPassColorAttachment{
			View:       view,
			LoadOp:     load,
			StoreOp:    store,
			ClearValue: clear,
		})
	}
	e.renderPass = e.enc.BeginRenderPass(&hal.RenderPassDescriptor{
		Label:            e.label + "_pass",
		ColorAttachments: colors,
	})
}

// NextSubpass is a no-op: the hal has no subpasses, consecutive passes are
// split by the compiler instead.
func (e *Encoder) NextSubpass() {}

func (e *Encoder) EndRenderPass() {
	if e.renderPass != nil {
		e.renderPass.End()
		e.renderPass = nil
	}
}

func (e *Encoder) BindPipeline(p backend.Pipeline) {
	if hp, ok := p.(*pipeline); ok {
		e.pendingPipeline = hp
	}
}

func (e *Encoder) BindDescriptorSet(set int, ds backend.DescriptorSet) {
	s, ok := ds.(*descriptorSet)
	if !ok {
		return
	}
	if e.pendingSets == nil {
		e.pendingSets = make(map[int]*descriptorSet)
	}
	e.pendingSets[set] = s
}

func (e *Encoder) BindVertexBuffer(slot int, buf backend.Buffer, offset uint64) {
	// Render pipelines are not wired up; see the package comment.
}

func (e *Encoder) BindIndexBuffer(buf backend.Buffer, offset uint64) {}

func (e *Encoder) Draw(vertexCount, instanceCount, firstVertex, firstInstance uint32) {}

func (e *Encoder) DrawIndexed(indexCount, instanceCount, firstIndex uint32, vertexOffset int32, firstInstance uint32) {
}

// Dispatch opens a compute pass, replays the latched pipeline and bind
// groups, dispatches and closes the pass.
func (e *Encoder) Dispatch(x, y, z uint32) {
	if e.pendingPipeline == nil {
		return
	}
	pass := e.enc.BeginComputePass(&hal.ComputePassDescriptor{Label: e.label + "_compute"})
	pass.SetPipeline(e.pendingPipeline.compute)
	for set, ds := range e.pendingSets {
		if ds.bg != nil {
			pass.SetBindGroup(uint32(set), ds.bg, nil)
		}
	}
	pass.Dispatch(x, y, z)
	pass.End()
	e.pendingSets = nil
}

func (e *Encoder) CopyBufferToBuffer(src, dst backend.Buffer, regions []backend.BufferCopy) {
	sb, sok := src.(hal.Buffer)
	db, dok := dst.(hal.Buffer)
	if !sok || !dok {
		return
	}
	copies := make([]hal.BufferCopy, 0, len(regions))
	for _, r := range regions {
		copies = append(copies, hal.BufferCopy{
			SrcOffset: r.SrcOffset,
			DstOffset: r.DstOffset,
			Size:      r.Size,
		})
	}
	e.enc.CopyBufferToBuffer(sb, db, copies)
}

func (e *Encoder) CopyBufferToImage(src backend.Buffer, dst backend.Image, layout ir.ImageLayout) {
	// TODO: route through enc.CopyBufferToTexture once upload paths land.
}

func (e *Encoder) CopyImageToBuffer(src backend.Image, layout ir.ImageLayout, dst backend.Buffer) {
	t, tok := src.(*texture)
	b, bok := dst.(hal.Buffer)
	if !tok || !bok {
		return
	}
	w, h := t.ci.Extent.Width, t.ci.Extent.Height
	// Copy pitch must be 256-byte aligned on WebGPU and DX12.
	const copyPitchAlignment = 256
	bytesPerRow := (w*4 + copyPitchAlignment - 1) &^ uint32(copyPitchAlignment-1)
	e.enc.CopyTextureToBuffer(t.tex, b, []hal.BufferTextureCopy{{
		BufferLayout: hal.ImageDataLayout{Offset: 0, BytesPerRow: bytesPerRow, RowsPerImage: h},
		TextureBase:  hal.ImageCopyTexture{Texture: t.tex, MipLevel: 0},
		Size:         hal.Extent3D{Width: w, Height: h, DepthOrArrayLayers: 1},
	}})
}

func (e *Encoder) CopyImageToImage(src backend.Image, srcLayout ir.ImageLayout, dst backend.Image, dstLayout ir.ImageLayout) {
}

// ClearColorImage clears through a transient render pass with LoadOpClear;
// the hal has no direct clear command.
func (e *Encoder) ClearColorImage(img backend.Image, layout ir.ImageLayout, color ir.ClearColor, ranges []backend.SubresourceRange) {
	t, ok := img.(*texture)
	if !ok {
		return
	}
	pass := e.enc.BeginRenderPass(&hal.RenderPassDescriptor{
		Label: e.label + "_clear",
		ColorAttachments: []hal.RenderPassColorAttachment{{
			View:    t.view,
			LoadOp:  gputypes.LoadOpClear,
			StoreOp: gputypes.StoreOpStore,
			ClearValue: gputypes.Color{
				R: float64(color.R), G: float64(color.G),
				B: float64(color.B), A: float64(color.A),
			},
		}},
	})
	pass.End()
}

func (e *Encoder) ResolveImage(src backend.Image, dst backend.Image) {}

func (e *Encoder) BlitImage(src backend.Image, dst backend.Image) {}

func (e *Encoder) ExecuteCommands(secondaries []backend.CommandBuffer) {}

var _ backend.CommandEncoder = (*Encoder)(nil)
