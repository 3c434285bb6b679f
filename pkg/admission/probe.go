package admission

import (
	"bytes"
	"image"

	"github.com/harborline/receiving/pkg/faults"
)

// probeLen bounds how much of the stream the decode probe reads.
const probeLen = 64 << 10

// probeFormat verifies that the head of the stream parses as the declared
// format and that the magic number matches the declared mime.
func probeFormat(data []byte, mime string) error {
	head := data
	if len(head) > probeLen {
		head = head[:probeLen]
	}
	if len(head) < 12 {
		return faults.New(faults.KindDecodeFailed, "payload too short to probe")
	}

	switch mime {
	case "image/jpeg":
		if !bytes.HasPrefix(head, []byte{0xFF, 0xD8, 0xFF}) {
			return faults.New(faults.KindDecodeFailed, "magic number does not match image/jpeg")
		}
		return probeImageConfig(head)
	case "image/png":
		if !bytes.HasPrefix(head, []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}) {
			return faults.New(faults.KindDecodeFailed, "magic number does not match image/png")
		}
		return probeImageConfig(head)
	case "image/heic":
		// ISO BMFF: size(4) + "ftyp" + brand. No decoder carried for HEIC, so
		// the magic check is the whole probe.
		if !bytes.Equal(head[4:8], []byte("ftyp")) || !isHeicBrand(head[8:12]) {
			return faults.New(faults.KindDecodeFailed, "magic number does not match image/heic")
		}
		return nil
	case "application/pdf":
		if !bytes.HasPrefix(head, []byte("%PDF-")) {
			return faults.New(faults.KindDecodeFailed, "magic number does not match application/pdf")
		}
		return nil
	default:
		return faults.Newf(faults.KindUnsupportedMime, "no probe for %s", mime)
	}
}

// probeImageConfig decodes the image header only.
func probeImageConfig(head []byte) error {
	if _, _, err := image.DecodeConfig(bytes.NewReader(head)); err != nil {
		return faults.Wrap(faults.KindDecodeFailed, "header does not parse as declared format", err)
	}
	return nil
}

func isHeicBrand(brand []byte) bool {
	switch string(brand) {
	case "heic", "heix", "hevc", "mif1", "msf1":
		return true
	}
	return false
}
