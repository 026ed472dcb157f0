package avatar

import "net/http"

// sniffLen is how many leading bytes http.DetectContentType inspects.
const sniffLen = 512

// extensionByMIME maps the sniffed content type of a downloaded file to the
// canonical file extension it is stored under. Anything outside this map is
// rejected regardless of what the remote server claimed.
var extensionByMIME = map[string]string{
	"image/jpeg": "jpg",
	"image/png":  "png",
	"image/gif":  "gif",
	"image/webp": "webp",
}

var mimeByExtension = map[string]string{
	"jpg":  "image/jpeg",
	"png":  "image/png",
	"gif":  "image/gif",
	"webp": "image/webp",
}

// sniffExtension inspects the leading bytes of a downloaded image and
// returns the extension it must be stored under. The second return value is
// false when the content is not one of the accepted image formats.
func sniffExtension(head []byte) (string, bool) {
	ext, ok := extensionByMIME[http.DetectContentType(head)]
	return ext, ok
}
