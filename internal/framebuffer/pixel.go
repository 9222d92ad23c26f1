package framebuffer

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// PixelFormatLen is the size of a pixel format on the wire.
const PixelFormatLen = 16

var ErrUnsupportedFormat = errors.New("framebuffer: unsupported pixel format")

// PixelFormat describes how a pixel value is laid out, in the terms used
// by the RFB protocol.
type PixelFormat struct {
	BitsPerPixel uint8  `json:"bitsPerPixel"`
	Depth        uint8  `json:"depth"`
	BigEndian    bool   `json:"bigEndian"`
	TrueColour   bool   `json:"trueColour"`
	RedMax       uint16 `json:"redMax"`
	GreenMax     uint16 `json:"greenMax"`
	BlueMax      uint16 `json:"blueMax"`
	RedShift     uint8  `json:"redShift"`
	GreenShift   uint8  `json:"greenShift"`
	BlueShift    uint8  `json:"blueShift"`
}

// Native is the format pixels are stored in: 32 bits, depth 24,
// little endian 0x00RRGGBB.
var Native = PixelFormat{
	BitsPerPixel: 32,
	Depth:        24,
	TrueColour:   true,
	RedMax:       255,
	GreenMax:     255,
	BlueMax:      255,
	RedShift:     16,
	GreenShift:   8,
	BlueShift:    0,
}

func (pf PixelFormat) BytesPerPixel() int {
	return int(pf.BitsPerPixel) / 8
}

// Validate reports whether the updater can convert native pixels to pf.
// Colour map formats are not supported.
func (pf PixelFormat) Validate() error {
	switch pf.BitsPerPixel {
	case 8, 16, 32:
	default:
		return fmt.Errorf("%w: %d bits per pixel", ErrUnsupportedFormat, pf.BitsPerPixel)
	}
	if !pf.TrueColour {
		return fmt.Errorf("%w: colour map", ErrUnsupportedFormat)
	}
	if pf.RedMax == 0 || pf.GreenMax == 0 || pf.BlueMax == 0 {
		return fmt.Errorf("%w: zero channel max", ErrUnsupportedFormat)
	}
	return nil
}

// MarshalBinary returns the 16 byte wire form.
func (pf PixelFormat) MarshalBinary() ([]byte, error) {
	b := make([]byte, PixelFormatLen)
	b[0] = pf.BitsPerPixel
	b[1] = pf.Depth
	if pf.BigEndian {
		b[2] = 1
	}
	if pf.TrueColour {
		b[3] = 1
	}
	binary.BigEndian.PutUint16(b[4:], pf.RedMax)
	binary.BigEndian.PutUint16(b[6:], pf.GreenMax)
	binary.BigEndian.PutUint16(b[8:], pf.BlueMax)
	b[10] = pf.RedShift
	b[11] = pf.GreenShift
	b[12] = pf.BlueShift
	return b, nil
}

// UnmarshalBinary parses the 16 byte wire form.
func (pf *PixelFormat) UnmarshalBinary(b []byte) error {
	if len(b) < PixelFormatLen {
		return fmt.Errorf("framebuffer: short pixel format: %d bytes", len(b))
	}
	*pf = PixelFormat{
		BitsPerPixel: b[0],
		Depth:        b[1],
		BigEndian:    b[2] != 0,
		TrueColour:   b[3] != 0,
		RedMax:       binary.BigEndian.Uint16(b[4:]),
		GreenMax:     binary.BigEndian.Uint16(b[6:]),
		BlueMax:      binary.BigEndian.Uint16(b[8:]),
		RedShift:     b[10],
		GreenShift:   b[11],
		BlueShift:    b[12],
	}
	return nil
}

// put stores a 0xRRGGBB colour into b using pf.
func (pf PixelFormat) put(b []byte, rgb uint32) {
	r := scale(rgb>>16&0xff, pf.RedMax)
	g := scale(rgb>>8&0xff, pf.GreenMax)
	bl := scale(rgb&0xff, pf.BlueMax)
	v := r<<pf.RedShift | g<<pf.GreenShift | bl<<pf.BlueShift
	switch pf.BitsPerPixel {
	case 8:
		b[0] = byte(v)
	case 16:
		if pf.BigEndian {
			binary.BigEndian.PutUint16(b, uint16(v))
		} else {
			binary.LittleEndian.PutUint16(b, uint16(v))
		}
	default:
		if pf.BigEndian {
			binary.BigEndian.PutUint32(b, v)
		} else {
			binary.LittleEndian.PutUint32(b, v)
		}
	}
}

// get reads a pixel stored with pf and returns it as 0xRRGGBB.
func (pf PixelFormat) get(b []byte) uint32 {
	var v uint32
	switch pf.BitsPerPixel {
	case 8:
		v = uint32(b[0])
	case 16:
		if pf.BigEndian {
			v = uint32(binary.BigEndian.Uint16(b))
		} else {
			v = uint32(binary.LittleEndian.Uint16(b))
		}
	default:
		if pf.BigEndian {
			v = binary.BigEndian.Uint32(b)
		} else {
			v = binary.LittleEndian.Uint32(b)
		}
	}
	r := unscale(v>>pf.RedShift&uint32(pf.RedMax), pf.RedMax)
	g := unscale(v>>pf.GreenShift&uint32(pf.GreenMax), pf.GreenMax)
	bl := unscale(v>>pf.BlueShift&uint32(pf.BlueMax), pf.BlueMax)
	return r<<16 | g<<8 | bl
}

func scale(c uint32, chMax uint16) uint32 {
	return (c*uint32(chMax) + 127) / 255
}

func unscale(c uint32, chMax uint16) uint32 {
	if chMax == 0 {
		return 0
	}
	return (c*255 + uint32(chMax)/2) / uint32(chMax)
}
