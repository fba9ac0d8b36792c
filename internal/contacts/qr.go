package contacts

import (
	"fmt"
	"net/url"

	qrcode "github.com/skip2/go-qrcode"
)

// ShareURI is the deep link encoded in a contact QR code. Scanning it
// opens the add-friend flow for the user.
func ShareURI(userID, name string) string {
	v := url.Values{}
	v.Set("user", userID)
	if name != "" {
		v.Set("name", name)
	}
	return "parley:add?" + v.Encode()
}

// SharePNG renders the add-friend QR code as a PNG of the given pixel
// size.
func SharePNG(userID, name string, size int) ([]byte, error) {
	if userID == "" {
		return nil, fmt.Errorf("qr: empty user id")
	}
	if size <= 0 {
		size = 256
	}
	png, err := qrcode.Encode(ShareURI(userID, name), qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("encode qr: %w", err)
	}
	return png, nil
}
