package genai

import (
	"context"
	"strings"
	"testing"
)

func TestSyntheticImageFormatIsExtension(t *testing.T) {
	client, err := NewClient(Options{})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	result, err := client.GenerateImage(context.Background(), ImageRequest{
		Model:       "gemini-2.5-flash-image",
		Prompt:      "a watercolor portrait",
		AspectRatio: "4:3",
		RequestID:   "req-1",
	})
	if err != nil {
		t.Fatalf("GenerateImage: %v", err)
	}
	if result.Format != "png" {
		t.Fatalf("Format = %q, want bare extension \"png\"", result.Format)
	}
	if strings.Contains(result.Format, "/") {
		t.Fatalf("Format %q must not be a MIME type", result.Format)
	}
	if len(result.Data) == 0 {
		t.Fatal("synthetic image has no data")
	}
}

func TestExtensionForMIME(t *testing.T) {
	cases := []struct {
		mime string
		want string
	}{
		{"image/png", "png"},
		{"image/jpeg", "jpg"},
		{"image/jpg", "jpg"},
		{"image/webp", "webp"},
		{" IMAGE/JPEG ", "jpg"},
		{"", "png"},
		{"application/octet-stream", "png"},
	}
	for _, tc := range cases {
		if got := extensionForMIME(tc.mime); got != tc.want {
			t.Errorf("extensionForMIME(%q) = %q, want %q", tc.mime, got, tc.want)
		}
	}
}
