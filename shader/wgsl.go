package shader

import (
	"fmt"

	"github.com/gogpu/naga"
)

// CompileWGSL compiles WGSL source to SPIR-V words.
func CompileWGSL(source string) ([]uint32, error) {
	spirvBytes, err := naga.Compile(source)
	if err != nil {
		return nil, fmt.Errorf("shader: compile wgsl: %w", err)
	}
	if len(spirvBytes)%4 != 0 {
		return nil, fmt.Errorf("shader: naga produced %d bytes, not a word multiple", len(spirvBytes))
	}

	// SPIR-V is little-endian 32-bit words.
	words := make([]uint32, len(spirvBytes)/4)
	for i := range words {
		words[i] = uint32(spirvBytes[i*4]) |
			uint32(spirvBytes[i*4+1])<<8 |
			uint32(spirvBytes[i*4+2])<<16 |
			uint32(spirvBytes[i*4+3])<<24
	}
	return words, nil
}

// CompileAndReflectWGSL compiles WGSL and reflects the result in one step.
func CompileAndReflectWGSL(source string) ([]uint32, *Program, error) {
	words, err := CompileWGSL(source)
	if err != nil {
		return nil, nil, err
	}
	p, err := ReflectWords(words)
	if err != nil {
		return nil, nil, err
	}
	return words, p, nil
}
