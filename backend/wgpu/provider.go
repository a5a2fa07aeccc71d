package wgpu

import (
	"fmt"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/wgpu/hal"
)

// FromProvider joins an application's existing GPU context instead of
// opening a device of its own. The provider must also expose direct HAL
// access through HalDevice/HalQueue, the convention gpucontext hal providers
// follow.
func FromProvider(provider gpucontext.DeviceProvider) (*Device, error) {
	hp, ok := provider.(interface {
		HalDevice() any
		HalQueue() any
	})
	if !ok {
		return nil, fmt.Errorf("wgpu: provider %T does not expose HAL access", provider)
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok {
		return nil, fmt.Errorf("wgpu: provider returned %T, want hal.Device", hp.HalDevice())
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok {
		return nil, fmt.Errorf("wgpu: provider returned %T, want hal.Queue", hp.HalQueue())
	}
	return New(device, queue), nil
}
