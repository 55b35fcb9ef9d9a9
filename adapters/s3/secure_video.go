package s3

// SecureVideoMIMETypesExtension 定義了允許上傳的影片類型及其對應的副檔名
var SecureVideoMIMETypesExtension = map[string]string{
	"video/mp4":       "mp4",
	"video/webm":      "webm",
	"video/quicktime": "mov",
}

// CheckSecureVideoAndGetExtension 檢查給定的 MIME 類型是否為允許的影片類型，並返回對應的副檔名
func CheckSecureVideoAndGetExtension(mimeType string) (bool, string) {
	ext, ok := SecureVideoMIMETypesExtension[mimeType]
	return ok, ext
}
