package s3_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"bidreel/adapters/s3"
)

func TestCheckSecureVideoAndGetExtension(t *testing.T) {
	tests := []struct {
		name     string
		mimeType string
		wantOk   bool
		wantExt  string
	}{
		{
			name:     "valid MP4 video",
			mimeType: "video/mp4",
			wantOk:   true,
			wantExt:  "mp4",
		},
		{
			name:     "valid WebM video",
			mimeType: "video/webm",
			wantOk:   true,
			wantExt:  "webm",
		},
		{
			name:     "valid QuickTime video",
			mimeType: "video/quicktime",
			wantOk:   true,
			wantExt:  "mov",
		},
		{
			name:     "invalid video type",
			mimeType: "application/pdf",
			wantOk:   false,
			wantExt:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotOk, gotExt := s3.CheckSecureVideoAndGetExtension(tt.mimeType)
			assert.Equal(t, tt.wantOk, gotOk)
			assert.Equal(t, tt.wantExt, gotExt)
		})
	}
}
