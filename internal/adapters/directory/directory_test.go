package directory

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openmix/roomd/internal/core"
)

func TestClient_GetStreamInfo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/channels/somestreamer" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{"title":"Speedrun","thumbnail":"http://x/t.jpg","live":true}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	meta, err := c.GetStreamInfo(context.Background(), "somestreamer")
	if err != nil {
		t.Fatalf("GetStreamInfo: %v", err)
	}
	if meta.Title != "Speedrun" || !meta.Live {
		t.Errorf("unexpected meta %+v", meta)
	}

	if _, err := c.GetStreamInfo(context.Background(), "missing"); err == nil {
		t.Error("non-200 should fail")
	}
}

func TestPoller_DeliversMeta(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"title":"Live now","live":true}`)
	}))
	defer srv.Close()

	var delivered atomic.Int32
	p := NewPoller(NewClient(srv.URL), "chan", time.Hour, func(meta core.ChannelMeta) {
		if meta.Live {
			delivered.Add(1)
		}
	})
	p.Start(context.Background())
	defer p.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for delivered.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if delivered.Load() == 0 {
		t.Fatal("poller never delivered metadata")
	}
	if got := p.Info(); !got.Live || got.Title != "Live now" {
		t.Errorf("cached info = %+v", got)
	}
}
