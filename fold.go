package framegraph

import (
	"github.com/gogpu/framegraph/ir"
)

// opComputeClass assigns each node kind its base compute class. Class
// propagation then raises a node to the strongest class of its inputs.
var opComputeClass = [...]ir.DomainFlags{
	ir.KindGarbage:           ir.DomainPlaceholder,
	ir.KindPlaceholder:       ir.DomainPlaceholder,
	ir.KindConstant:          ir.DomainConstant,
	ir.KindConstruct:         ir.DomainConstant,
	ir.KindSlice:             ir.DomainConstant,
	ir.KindConverge:          ir.DomainConstant,
	ir.KindImport:            ir.DomainHost,
	ir.KindCall:              ir.DomainHost,
	ir.KindClear:             ir.DomainDevice,
	ir.KindAcquire:           ir.DomainHost,
	ir.KindRelease:           ir.DomainHost,
	ir.KindAcquireNextImage:  ir.DomainHost,
	ir.KindUse:               ir.DomainConstant,
	ir.KindLogicalCopy:       ir.DomainConstant,
	ir.KindSet:               ir.DomainPlaceholder,
	ir.KindCast:              ir.DomainConstant,
	ir.KindMathBinary:        ir.DomainConstant,
	ir.KindCompilePipeline:   ir.DomainConstant,
	ir.KindAllocate:          ir.DomainHost,
	ir.KindGetAllocationSize: ir.DomainConstant,
	ir.KindGetCI:             ir.DomainConstant,
	ir.KindGetIVMeta:         ir.DomainConstant,
}

// constantFolding assigns compute classes and folds host-evaluable values
// into fresh constants. Visits in index order, which is postorder for a
// graph whose arguments precede their consumers.
func (c *Compiler) constantFolding() (bool, error) {
	modified := false
	// All consumers of one result share the folded constant, so write chains
	// stay rooted in a single node.
	folded := make(map[ir.Ref]ir.Ref)

	for _, node := range c.nodes {
		class := opComputeClass[node.Kind]

		if node.Kind == ir.KindCall {
			fnTy := node.Args[0].Type()
			if fnTy.ExecuteOn != ir.DomainAny && fnTy.ExecuteOn != ir.DomainNone {
				class = fnTy.ExecuteOn
			}
			// Calls record commands; they always land on the device.
			class = ir.DomainDevice
		}
		node.ComputeClass = class

		for i := range node.Args {
			arg := &node.Args[i]
			inputClass := arg.Node.ComputeClass
			if inputClass > node.ComputeClass {
				node.ComputeClass = inputClass
			}

			if arg.Node.ComputeClass == ir.DomainConstant && arg.Node.Kind != ir.KindConstant {
				if prev, ok := folded[*arg]; ok {
					*arg = prev
					modified = true
					continue
				}
				v, err := ir.Eval(*arg)
				if err != nil {
					// Not actually evaluable; leave the argument as is.
					continue
				}
				fc := c.module.MakeConstant(arg.Type(), v)
				fc.Node.ComputeClass = ir.DomainConstant
				folded[*arg] = fc
				*arg = fc
				c.newNodes = append(c.newNodes, fc.Node)
				modified = true
			}
		}
	}

	return modified, nil
}
