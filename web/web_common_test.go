package web_test

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/getlantern/upcoord/service/serviceimpl"
	"github.com/getlantern/upcoord/testsupport"
	"github.com/getlantern/upcoord/web"
	"github.com/getlantern/upcoord/webclient"
)

// testWebClient runs the full service suite through webclient -> web -> serviceimpl
func testWebClient(t *testing.T, b *testsupport.Backends) {
	srvc, err := serviceimpl.New(&serviceimpl.Opts{
		Bucket:       testsupport.Bucket,
		ObjectStore:  b.Objects,
		SessionStore: b.Sessions,
		Now:          b.Clock.Now,
	})
	require.NoError(t, err)

	handler := web.NewHandler(srvc, 5*time.Second)
	server := httptest.NewServer(handler)
	defer server.Close()

	client := webclient.New(server.URL, &webclient.Opts{
		RetryMax:     1,
		RetryWaitMin: time.Millisecond,
		RetryWaitMax: 5 * time.Millisecond,
	})
	testsupport.TestService(t, b, client)

	for i := 0; i < 20; i++ {
		if handler.ActiveRequests() == 0 {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatal("requests still active after the suite finished")
}
