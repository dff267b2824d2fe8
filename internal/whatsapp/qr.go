package whatsapp

import (
	"encoding/base64"
	"io"

	"github.com/mdp/qrterminal"
	"github.com/skip2/go-qrcode"
)

// QRDataURL renders a pairing code as a PNG data URL for browsers. The raw
// code is returned if it cannot be encoded.
func QRDataURL(code string) string {
	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		return code
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
}

// printQR draws a pairing code on a terminal.
func printQR(code string, w io.Writer) {
	qrterminal.GenerateHalfBlock(code, qrterminal.L, w)
}
