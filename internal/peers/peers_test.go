package peers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewPreferredFirst(t *testing.T) {
	l := New(RoleData, []string{"https://a", "https://b"}, []string{"https://pref"}, time.Second)
	all := l.All()
	require.Len(t, all, 3)
	require.True(t, all[0].IsPreferred)
	require.Equal(t, "https://pref", all[0].URL)
}

func TestSelectForReadReturnsAllWhenFewerThanK(t *testing.T) {
	l := New(RoleData, []string{"https://a"}, nil, time.Second)
	got := l.SelectForRead(5)
	require.Len(t, got, 1)
}

func TestSelectForReadDrawsDistinctPeers(t *testing.T) {
	l := New(RoleData, []string{"https://a", "https://b", "https://c", "https://d"}, nil, time.Second)
	got := l.SelectForRead(2)
	require.Len(t, got, 2)
	require.NotEqual(t, got[0].URL, got[1].URL)
}

func TestRecordFailureDampensWeight(t *testing.T) {
	l := New(RoleData, []string{"https://a"}, nil, time.Second)
	p, ok := l.Peer("https://a")
	require.True(t, ok)
	before := p.Weight()
	p.RecordFailure(time.Now())
	require.Less(t, p.Weight(), before)
}

func TestRecordSuccessRecoversWeight(t *testing.T) {
	l := New(RoleData, []string{"https://a"}, nil, time.Second)
	p, _ := l.Peer("https://a")
	p.RecordFailure(time.Now())
	dampened := p.Weight()
	p.RecordSuccess(time.Now(), 10*time.Millisecond)
	require.Greater(t, p.Weight(), dampened)
}

func TestSelectForBroadcastSkipsDeepQueues(t *testing.T) {
	l := New(RoleChunks, []string{"https://a", "https://b"}, nil, time.Second)
	pa, _ := l.Peer("https://a")
	pa.SetQueueDepth(100)

	got := l.SelectForBroadcast(10)
	require.Len(t, got, 1)
	require.Equal(t, "https://b", got[0].URL)
}

func TestDNSRefresherResolvesConfiguredHost(t *testing.T) {
	d := NewDNSRefresher([]string{"localhost"})
	d.RefreshOnce(context.Background())
	require.NotEmpty(t, d.Resolved("localhost"))
}

func TestDNSRefresherEvictsAfterRepeatedFailure(t *testing.T) {
	d := NewDNSRefresher([]string{"this-host-should-not-resolve.invalid"})
	for i := 0; i < 3; i++ {
		d.RefreshOnce(context.Background())
	}
	require.Empty(t, d.Resolved("this-host-should-not-resolve.invalid"))
}
