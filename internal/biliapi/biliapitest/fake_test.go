package biliapitest

import (
	"context"
	"testing"

	"github.com/arrenxxxxx/bili-sync/internal/biliapi"
)

var _ biliapi.Client = (*Fake)(nil)

func TestFakeListFavoritesReturnsFixture(t *testing.T) {
	f := New()
	f.Favorites[10] = []biliapi.VideoDescriptor{{BVID: "BV1", Title: "x"}}

	got, err := f.ListFavorites(context.Background(), 10, biliapi.Cursor{})
	if err != nil {
		t.Fatalf("ListFavorites: %v", err)
	}
	if len(got.Items) != 1 || got.Items[0].BVID != "BV1" {
		t.Fatalf("got = %+v", got)
	}
}

func TestFakeErrPropagates(t *testing.T) {
	f := New()
	f.Err = context.DeadlineExceeded
	if _, err := f.VideoDetail(context.Background(), "BV1"); err != context.DeadlineExceeded {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
}
