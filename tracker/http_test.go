package tracker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gotorrent/bencode"
)

func TestHTTPTrackerAnnounceCompactPeers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.URL.Query().Get("compact"))
		body, _ := bencode.Marshal(map[string]any{
			"interval": int64(900),
			"peers":    string([]byte{192, 168, 1, 1, 0x1a, 0xe1}),
		})
		w.Write(body)
	}))
	defer srv.Close()

	tr := NewHTTPTracker(srv.URL)
	res, err := tr.Announce(context.Background(), AnnounceParams{Port: 6881})
	require.NoError(t, err)
	require.Len(t, res.Peers, 1)
	assert.Equal(t, "192.168.1.1", res.Peers[0].IP)
	assert.Equal(t, uint16(0x1ae1), res.Peers[0].Port)
	assert.Equal(t, int64(900), int64(res.Interval.Seconds()))
}

func TestHTTPTrackerAnnounceDictionaryPeers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := bencode.Marshal(map[string]any{
			"interval": int64(600),
			"peers": []any{
				map[string]any{"ip": "10.0.0.1", "port": int64(51413)},
			},
		})
		w.Write(body)
	}))
	defer srv.Close()

	tr := NewHTTPTracker(srv.URL)
	res, err := tr.Announce(context.Background(), AnnounceParams{Port: 6881})
	require.NoError(t, err)
	require.Len(t, res.Peers, 1)
	assert.Equal(t, "10.0.0.1", res.Peers[0].IP)
	assert.Equal(t, uint16(51413), res.Peers[0].Port)
}

func TestHTTPTrackerFailureReasonIsResponseError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := bencode.Marshal(map[string]any{"failure reason": "unregistered torrent"})
		w.Write(body)
	}))
	defer srv.Close()

	tr := NewHTTPTracker(srv.URL)
	_, err := tr.Announce(context.Background(), AnnounceParams{Port: 6881})
	assert.Error(t, err)
}

func TestEscapeBinaryMatchesPercentEncoding(t *testing.T) {
	in := []byte{0x00, 0x20, 'A', '-', 0xff}
	got := escapeBinary(in)
	assert.Equal(t, "%00%20A-%FF", got)
}

func TestScheduleCanAnnounceBeforeFirstAnnounce(t *testing.T) {
	s := newSchedule()
	now := time.Now()
	assert.True(t, s.CanAnnounce(now))
	assert.True(t, s.ShouldAnnounce(now))
}
