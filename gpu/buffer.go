package gpu

import (
	"fmt"
	"time"

	"github.com/openfluke/webgpu/wgpu"
)

// ReadTimeout bounds the wait for a staging buffer to map.
var ReadTimeout = 2 * time.Second

const storageUsage = wgpu.BufferUsageStorage | wgpu.BufferUsageCopyDst | wgpu.BufferUsageCopySrc

// newStorageBuffer allocates a zeroed storage buffer of n float32 values.
func newStorageBuffer(c *Context, label string, n int) (*wgpu.Buffer, error) {
	buf, err := c.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: label,
		Size:  uint64(n * 4),
		Usage: storageUsage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create buffer %s: %v", label, err)
	}
	return buf, nil
}

func newStagingBuffer(c *Context, label string, n int) (*wgpu.Buffer, error) {
	buf, err := c.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: label,
		Size:  uint64(n * 4),
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create staging buffer %s: %v", label, err)
	}
	return buf, nil
}

func newUniformBuffer(c *Context, label string, words int) (*wgpu.Buffer, error) {
	buf, err := c.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: label,
		Size:  uint64(words * 4),
		Usage: wgpu.BufferUsageUniform | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create uniform buffer %s: %v", label, err)
	}
	return buf, nil
}

// readStaging maps a staging buffer that a submitted command has filled and
// copies its contents into dst.
func readStaging(c *Context, buf *wgpu.Buffer, dst []float32) error {
	sizeBytes := uint64(len(dst) * 4)
	done := make(chan struct{})
	var mapErr error

	err := buf.MapAsync(wgpu.MapModeRead, 0, sizeBytes, func(status wgpu.BufferMapAsyncStatus) {
		if status != wgpu.BufferMapAsyncStatusSuccess {
			mapErr = fmt.Errorf("map failed: %v", status)
		}
		close(done)
	})
	if err != nil {
		return fmt.Errorf("MapAsync failed: %v", err)
	}

	timeout := time.After(ReadTimeout)
Loop:
	for {
		c.Device.Poll(false, nil)
		select {
		case <-done:
			break Loop
		case <-timeout:
			return fmt.Errorf("staging read timed out after %s", ReadTimeout)
		default:
			time.Sleep(time.Millisecond)
		}
	}
	if mapErr != nil {
		return mapErr
	}

	data := buf.GetMappedRange(0, uint(sizeBytes))
	if data == nil {
		return fmt.Errorf("failed to get mapped range")
	}
	copy(dst, wgpu.FromBytes[float32](data))
	buf.Unmap()
	return nil
}
