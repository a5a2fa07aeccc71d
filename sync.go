package framegraph

import "github.com/gogpu/framegraph/ir"

// buildSync lowers the access annotations on every link into concrete
// ResourceUses. Writes set the link's undef sync directly; readers are
// merged into a single read sync so no read-after-read dependencies are
// emitted.
func (c *Compiler) buildSync() error {
	for _, node := range c.nodes {
		switch node.Kind {
		case ir.KindCall:
			if err := c.syncCall(node); err != nil {
				return err
			}

		case ir.KindClear:
			link := node.Args[0].Link()
			use := ir.ToUse(node.Access)
			link.UndefSync = &use

		case ir.KindRelease:
			if err := c.syncRelease(node); err != nil {
				return err
			}

		case ir.KindUse:
			c.syncUse(node)
		}
	}
	return nil
}

func (c *Compiler) syncCall(node *ir.Node) error {
	fnTy := node.Args[0].Type()
	args := fnTy.Args

	for i := 1; i < len(node.Args); i++ {
		argTy := args[i-1]
		if argTy.Kind != ir.KindImbued {
			continue
		}
		parm := node.Args[i]
		link := parm.Link()
		access := argTy.Access

		if access.IsWriteAccess() {
			if link.UndefSync != nil {
				return structuralErr(node, "argument %d already has a write sync", i-1)
			}
			use := ir.ToUse(access)
			link.UndefSync = &use
			continue
		}

		if link.ReadSync != nil {
			continue // the read group was already merged
		}

		// Merge every reader of this link into one sync. The merged layout
		// is transfer-src when only transfer reads occur, general when a
		// storage access is present or transfer and read-only coexist, and
		// read-only otherwise.
		var dst ir.ResourceUse
		dst.Layout = ir.LayoutReadOnlyOptimal

		needReadOnly := false
		needTransfer := false
		needGeneral := false

		for _, r := range link.Reads {
			var readAccess ir.Access
			switch r.Node.Kind {
			case ir.KindCall:
				rfnTy := r.Node.Args[0].Type()
				if r.Index < 1 || r.Index > len(rfnTy.Args) {
					continue
				}
				rArgTy := rfnTy.Args[r.Index-1]
				if rArgTy.Kind != ir.KindImbued {
					return structuralErr(r.Node, "reader without access annotation")
				}
				readAccess = rArgTy.Access
			case ir.KindConverge, ir.KindConstruct:
				continue
			default:
				continue
			}

			if readAccess.IsTransferAccess() {
				needTransfer = true
			}
			if readAccess.IsStorageAccess() {
				needGeneral = true
			}
			if readAccess.IsReadOnlyAccess() {
				needReadOnly = true
			}
			use := ir.ToUse(readAccess)
			dst.Access |= use.Access
			dst.Stages |= use.Stages
		}

		if needTransfer && !needReadOnly {
			dst.Layout = ir.LayoutTransferSrcOptimal
		}
		if needGeneral || (needTransfer && needReadOnly) {
			dst.Layout = ir.LayoutGeneral
		}

		link.ReadSync = &dst
	}
	return nil
}

func (c *Compiler) syncRelease(node *ir.Node) error {
	nodeItem := node.ScheduledItem
	for i := range node.Args {
		parm := node.Args[i]
		link := parm.Link()
		if link.UndefSync != nil {
			return structuralErr(node, "released value %d already has a write sync", i)
		}

		if node.Access != ir.AccessNone {
			use := ir.ToUse(node.Access)
			link.UndefSync = &use
			continue
		}

		// No declared destination access. If the producer ran on a different
		// domain than the release, nothing is known about the future use, so
		// synchronize against everything.
		if parm.Node.ScheduledItem != nil && nodeItem != nil &&
			parm.Node.ScheduledItem.ScheduledDomain != nodeItem.ScheduledDomain {
			use := ir.ToUse(ir.AccessMemoryRW)
			link.UndefSync = &use
		}
	}
	return nil
}

// syncUse gives a bare USE its sync. With an explicit access it lowers
// directly; with AccessNone it borrows the first sync found among the
// contributing branches of its converge. Finding none is fine: no sync is
// needed.
func (c *Compiler) syncUse(node *ir.Node) {
	parm := node.Args[0]
	reg := c.module.Types
	t := parm.Type().StrippedAll()
	if t.Kind == ir.KindArray {
		t = t.Elem.StrippedAll()
	}
	if !reg.IsBufferlikeView(t) && t != reg.Image() {
		return
	}

	link := parm.Link()
	if link.UndefSync != nil {
		return
	}

	if node.Access != ir.AccessNone {
		use := ir.ToUse(node.Access)
		link.UndefSync = &use
		return
	}

	conv := parm.Node
	if conv.Kind != ir.KindConverge {
		return
	}
	for i := 1; i < len(conv.Args); i++ {
		useLink := conv.Args[i].Link()
		for useLink.ReadSync == nil && useLink.UndefSync == nil && useLink.Prev != nil {
			useLink = useLink.Prev
		}
		if useLink.ReadSync == nil && useLink.UndefSync == nil {
			continue
		}
		if useLink.UndefSync != nil {
			link.UndefSync = useLink.UndefSync
		} else {
			link.UndefSync = useLink.ReadSync
		}
		break
	}
}
