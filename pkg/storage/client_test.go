package storage

import (
	"strings"
	"testing"
)

func TestObjectKey(t *testing.T) {
	tests := []struct {
		contentType string
		ext         string
	}{
		{"image/jpeg", ".jpg"},
		{"image/png", ".png"},
		{"image/webp", ".webp"},
		{"image/gif", ".gif"},
		{"image/png; charset=binary", ".png"},
		{"", ".jpg"},
		{"application/octet-stream", ".jpg"},
	}

	for _, tt := range tests {
		key := ObjectKey("catalog-1", tt.contentType)
		if !strings.HasPrefix(key, "catalog-1/") {
			t.Errorf("ObjectKey(%q) = %q, want catalog-1/ prefix", tt.contentType, key)
		}
		if !strings.HasSuffix(key, tt.ext) {
			t.Errorf("ObjectKey(%q) = %q, want %s suffix", tt.contentType, key, tt.ext)
		}
	}
}

func TestObjectKey_Unique(t *testing.T) {
	a := ObjectKey("catalog-1", "image/jpeg")
	b := ObjectKey("catalog-1", "image/jpeg")
	if a == b {
		t.Errorf("consecutive keys collide: %q", a)
	}
}
