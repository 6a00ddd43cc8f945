package cache_test

import (
	"strings"
	"testing"

	"github.com/mediline/clinic-sync/internal/cache"
)

func TestOpenRejectsMalformedURL(t *testing.T) {
	_, err := cache.Open("not a redis url")
	if err == nil {
		t.Fatal("expected error for malformed URL")
	}
	if !strings.Contains(err.Error(), "parse snapshot store URL") {
		t.Fatalf("unexpected error text: %v", err)
	}
}
