package node

import (
	"bytes"
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/banshee-data/lux/internal/lux/wire"
)

// MaxImageSize is the largest image Program can write: FLASH_WRITE carries a
// one byte page index.
const MaxImageSize = 256 * wire.FlashPageSize

// InvalidateApp marks the application invalid so the node stays in its
// bootloader on the next reset.
func (c *Client) InvalidateApp(ctx context.Context) error {
	return c.exec(ctx, wire.CmdInvalidateApp, 0, nil)
}

// FlashBaseAddr sets the address FLASH_WRITE page indexes are relative to.
func (c *Client) FlashBaseAddr(ctx context.Context, addr uint32) error {
	return c.exec(ctx, wire.CmdFlashBaseAddr, 0, wire.EncodeU32(addr))
}

// FlashErase erases the page containing addr.
func (c *Client) FlashErase(ctx context.Context, addr uint32) error {
	return c.exec(ctx, wire.CmdFlashErase, 0, wire.EncodeU32(addr))
}

// FlashWrite writes data at base + index*FlashPageSize. The page must have
// been erased.
func (c *Client) FlashWrite(ctx context.Context, index uint8, data []byte) error {
	if len(data) > wire.FlashPageSize {
		return fmt.Errorf("flash write of %d bytes exceeds page size %d", len(data), wire.FlashPageSize)
	}
	return c.exec(ctx, wire.CmdFlashWrite, index, data)
}

// FlashRead reads length bytes at addr.
func (c *Client) FlashRead(ctx context.Context, addr uint32, length int) ([]byte, error) {
	if length < 0 || length > wire.MaxPayloadSize {
		return nil, fmt.Errorf("flash read length %d outside 0..%d", length, wire.MaxPayloadSize)
	}
	b, err := c.query(ctx, wire.CmdFlashRead, 0, wire.EncodeFlashRead(addr, uint16(length)))
	if err != nil {
		return nil, err
	}
	if len(b) != length {
		return nil, fmt.Errorf("flash read at 0x%08x returned %d bytes, want %d", addr, len(b), length)
	}
	return b, nil
}

// Progress is called after each page Program writes or verifies.
type Progress func(stage string, page, pages int)

// Program writes image to flash starting at base and verifies it. The app is
// invalidated first so an interrupted flash leaves the node in its
// bootloader.
func (c *Client) Program(ctx context.Context, base uint32, image []byte, progress Progress) error {
	if len(image) == 0 {
		return fmt.Errorf("empty image")
	}
	if len(image) > MaxImageSize {
		return fmt.Errorf("image of %d bytes exceeds %d", len(image), MaxImageSize)
	}
	if base%wire.FlashPageSize != 0 {
		return fmt.Errorf("base 0x%08x is not page aligned", base)
	}
	if progress == nil {
		progress = func(string, int, int) {}
	}

	if err := c.InvalidateApp(ctx); err != nil {
		return fmt.Errorf("invalidate app: %w", err)
	}
	if err := c.FlashBaseAddr(ctx, base); err != nil {
		return fmt.Errorf("set base address: %w", err)
	}

	pages := (len(image) + wire.FlashPageSize - 1) / wire.FlashPageSize
	for i := 0; i < pages; i++ {
		addr := base + uint32(i*wire.FlashPageSize)
		chunk := image[i*wire.FlashPageSize : min((i+1)*wire.FlashPageSize, len(image))]
		if err := c.FlashErase(ctx, addr); err != nil {
			return fmt.Errorf("erase page %d at 0x%08x: %w", i, addr, err)
		}
		if err := c.FlashWrite(ctx, uint8(i), chunk); err != nil {
			return fmt.Errorf("write page %d at 0x%08x: %w", i, addr, err)
		}
		progress("write", i+1, pages)
	}

	for i := 0; i < pages; i++ {
		addr := base + uint32(i*wire.FlashPageSize)
		want := image[i*wire.FlashPageSize : min((i+1)*wire.FlashPageSize, len(image))]
		got, err := c.FlashRead(ctx, addr, len(want))
		if err != nil {
			return fmt.Errorf("verify page %d: %w", i, err)
		}
		if !bytes.Equal(got, want) {
			return fmt.Errorf("verify page %d at 0x%08x: contents differ", i, addr)
		}
		progress("verify", i+1, pages)
	}

	c.log().Info("flashed image",
		zap.String("address", fmt.Sprintf("0x%08x", c.Address)),
		zap.String("base", fmt.Sprintf("0x%08x", base)),
		zap.Int("bytes", len(image)),
		zap.Int("pages", pages))
	return nil
}
